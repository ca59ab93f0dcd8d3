package retry

import (
	"context"
	"database/sql/driver"
	"net"
	"syscall"

	"github.com/cockroachdb/errors"
	mssql "github.com/microsoft/go-mssqldb"
)

// Class is the retry classification of a failure.
type Class int

const (
	Fatal Class = iota
	Transient
)

func (c Class) String() string {
	if c == Transient {
		return "transient"
	}
	return "fatal"
}

// Classifier decides whether a failure is worth retrying.
type Classifier interface {
	Classify(err error) Class
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(error) Class

// Classify calls f.
func (f ClassifierFunc) Classify(err error) Class { return f(err) }

// SQL Server error numbers that describe deadlocks, lock or connection
// timeouts, broken transport and Azure SQL resource governance.
var transientNumbers = map[int32]struct{}{
	-2:    {}, // client timeout
	233:   {}, // no process on the other end of the pipe
	1205:  {}, // deadlock victim
	1222:  {}, // lock request timeout
	10053: {}, // connection aborted
	10054: {}, // connection reset
	10060: {}, // connection timed out
	10928: {}, // resource limit reached
	10929: {}, // resource governor minimum not met
	40197: {}, // service error processing request
	40501: {}, // service busy
	40613: {}, // database unavailable
	49918: {}, // not enough resources
	49919: {}, // too many create/update operations
	49920: {}, // too many operations
}

// sqlErrorNumber is implemented by mssql.Error.
type sqlErrorNumber interface {
	SQLErrorNumber() int32
}

// SQLServerClassifier classifies go-mssqldb and transport errors.
type SQLServerClassifier struct{}

// Classify implements Classifier.
func (SQLServerClassifier) Classify(err error) Class {
	if err == nil {
		return Fatal
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return Transient
	}

	var me mssql.Error
	if errors.As(err, &me) {
		if isTransientNumber(me.SQLErrorNumber()) {
			return Transient
		}
		for _, e := range me.All {
			if isTransientNumber(e.SQLErrorNumber()) {
				return Transient
			}
		}
		return Fatal
	}
	var num sqlErrorNumber
	if errors.As(err, &num) {
		if isTransientNumber(num.SQLErrorNumber()) {
			return Transient
		}
		return Fatal
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNRESET) || errors.Is(opErr.Err, syscall.ECONNREFUSED) {
			return Transient
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}
	return Fatal
}

func isTransientNumber(n int32) bool {
	_, ok := transientNumbers[n]
	return ok
}
