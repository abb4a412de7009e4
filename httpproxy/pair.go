package httpproxy

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
)

// Pair is the two proxies a test run uses: one requiring credentials and one open.
type Pair struct {
	Authenticated *Server
	Open          *Server
}

// StartPair starts both proxies. If either fails to start, the other is stopped.
func StartPair(ctx context.Context, authenticated, open Config, loggers ldlog.Loggers) (*Pair, error) {
	authenticated.RequireAuth = true
	open.RequireAuth = false

	p := &Pair{}
	g := new(errgroup.Group)
	g.Go(func() error {
		s, err := Start(authenticated, loggers)
		p.Authenticated = s
		return err
	})
	g.Go(func() error {
		s, err := Start(open, loggers)
		p.Open = s
		return err
	})
	if err := g.Wait(); err != nil {
		_ = p.Stop(ctx)
		return nil, err
	}
	return p, nil
}

// Stop stops whichever proxies are running.
func (p *Pair) Stop(ctx context.Context) error {
	var errs []error
	for _, s := range []*Server{p.Authenticated, p.Open} {
		if s != nil {
			errs = append(errs, s.Stop(ctx))
		}
	}
	return errors.Join(errs...)
}
