package tokenerrors

import (
	"errors"
	"fmt"
)

// Kind classifies a credential failure. Callers must branch on the kind,
// never on error message text.
type Kind int

const (
	KindNone Kind = iota

	// KindConfiguration: provider client credentials are not configured for
	// this deployment. An operator problem, not a user-credential problem.
	KindConfiguration

	// KindTerminalCredential: the provider indicated the refresh token itself
	// is dead. The user must re-consent before the record is usable again.
	KindTerminalCredential

	// KindTransientProvider: network failure, timeout, rate limit or any
	// response that does not definitively indicate revocation. Retryable.
	KindTransientProvider

	// KindPersistenceWrite: a refreshed token was obtained but could not be
	// written back to the store.
	KindPersistenceWrite
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTerminalCredential:
		return "terminal-credential"
	case KindTransientProvider:
		return "transient-provider"
	case KindPersistenceWrite:
		return "persistence-write"
	default:
		return "none"
	}
}

type kindedError struct {
	kind Kind
	err  error
}

func (e kindedError) Error() string {
	return fmt.Sprintf("kind: %s, err: %s", e.kind, e.err.Error())
}

func (e kindedError) Unwrap() error {
	return e.err
}

func (e kindedError) GetKind() Kind {
	return e.kind
}

func newError(kind Kind, err error) *kindedError {
	return &kindedError{
		kind: kind,
		err:  err,
	}
}

func NewConfigurationError(err error) *kindedError {
	return newError(KindConfiguration, err)
}

func NewConfigurationErrorf(format string, args ...interface{}) *kindedError {
	return NewConfigurationError(fmt.Errorf(format, args...))
}

func NewTerminalCredentialError(err error) *kindedError {
	return newError(KindTerminalCredential, err)
}

func NewTerminalCredentialErrorf(format string, args ...interface{}) *kindedError {
	return NewTerminalCredentialError(fmt.Errorf(format, args...))
}

func NewTransientProviderError(err error) *kindedError {
	return newError(KindTransientProvider, err)
}

func NewTransientProviderErrorf(format string, args ...interface{}) *kindedError {
	return NewTransientProviderError(fmt.Errorf(format, args...))
}

func NewPersistenceWriteError(err error) *kindedError {
	return newError(KindPersistenceWrite, err)
}

// GetKind walks the wrap chain and returns the classification of err, or
// KindNone when err is nil or carries no classification.
func GetKind(err error) Kind {
	if err == nil {
		return KindNone
	}

	var kinded *kindedError
	if errors.As(err, &kinded) {
		return kinded.GetKind()
	}

	return KindNone
}

func IsTerminal(err error) bool {
	return GetKind(err) == KindTerminalCredential
}

func IsRetryable(err error) bool {
	return GetKind(err) == KindTransientProvider
}
