package cache

// ErrNoProducer is returned by operations that would need to start a
// producer when none was supplied.
var ErrNoProducer = errorsNew("cache: no producer provided")

// errorsNew is a lightweight local errors.New, kept to avoid importing the
// std "errors" package for a single sentinel type — mirrors the teacher
// repo's cache.errorsNew/strErr idiom verbatim.
func errorsNew(s string) error { return &strErr{s} }

type strErr struct{ s string }

func (e *strErr) Error() string { return e.s }
