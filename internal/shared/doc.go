// Package shared holds helpers used by more than one package.
//
// keylock serializes read-modify-write sequences per license key or
// activation code.
//
// testutil provides a capturing slog handler and domain fixtures
// (licenses, activation codes, policies) for tests. It must only be
// imported from _test.go files.
package shared
