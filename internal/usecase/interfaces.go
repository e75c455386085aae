package usecase

import "time"

// CodeGenerator issues a unique claim code and a 6-digit PIN.
type CodeGenerator interface {
	Generate() (code string, pin string, err error)
}

type clock func() time.Time

func (c clock) now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}
