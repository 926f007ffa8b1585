package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

var (
	ErrNotFound        = errors.New("repository: not found")
	ErrDuplicateKey    = errors.New("repository: duplicate key")
	ErrVersionConflict = errors.New("repository: version conflict")
	ErrLeaseLost       = errors.New("repository: delivery lease lost")
)

const mysqlErrDuplicateEntry = 1062

// isDuplicateKey reports whether err is a MySQL unique constraint violation.
func isDuplicateKey(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlErrDuplicateEntry
}
