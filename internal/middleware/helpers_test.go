package middleware

import (
	"net/http"
	"net/http/httptest"

	"licensor/internal/shared/testutil"
	"licensor/pkg/contracts/domain"
)

type staticPolicy struct{ p *domain.Policy }

func (s *staticPolicy) Current() *domain.Policy { return s.p }

func newPolicy(mutate func(p *domain.Policy)) *staticPolicy {
	p := testutil.NewPolicy()
	if mutate != nil {
		mutate(p)
	}
	return &staticPolicy{p: p}
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}
