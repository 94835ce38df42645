package offline

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrClosed            = errors.New("offline: worker closed")
	ErrOffline           = errors.New("offline: network marked offline")
	ErrNoActive          = errors.New("offline: no active generation")
	ErrNotStaged         = errors.New("offline: generation not staged")
	ErrRejected          = errors.New("offline: provider rejected write")
	ErrPersistBacklog    = errors.New("offline: write-behind backlog full")
	ErrUnknownEvent      = errors.New("offline: unknown event kind")
	ErrUnknownSyncTag    = errors.New("offline: unknown sync tag")
	ErrReplayServerError = errors.New("offline: replay answered with server error")
)

// InstallError reports the precache URL that aborted an install.
type InstallError struct {
	URL    string
	Status int   // set when the network answered with a non-2xx status
	Err    error // set on transport failure
}

func (e *InstallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("install: precache %q: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("install: precache %q: status %d", e.URL, e.Status)
}

func (e *InstallError) Unwrap() error { return e.Err }

// RetireError collects the generations that could not be deleted after an
// activation. The activation itself succeeded; the janitor retries later.
type RetireError struct {
	Failed map[string]error // generation name -> delete error
}

func (e *RetireError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for n := range e.Failed {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	fmt.Fprintf(&b, "retire %d generation(s):", len(names))
	for _, n := range names {
		fmt.Fprintf(&b, " %s: %v;", n, e.Failed[n])
	}
	return strings.TrimSuffix(b.String(), ";")
}

func (e *RetireError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}

func (e *RetireError) add(name string, err error) {
	if e.Failed == nil {
		e.Failed = make(map[string]error)
	}
	e.Failed[name] = err
}

func (e *RetireError) merge(err error) {
	var re *RetireError
	if errors.As(err, &re) {
		for n, ferr := range re.Failed {
			e.add(n, ferr)
		}
	}
}

func (e *RetireError) orNil() error {
	if e == nil || len(e.Failed) == 0 {
		return nil
	}
	return e
}
