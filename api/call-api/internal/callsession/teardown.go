// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_callsession

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	internal_type "github.com/rapidaai/memorykeeper/api/call-api/internal/type"
)

// teardown releases every resource the session holds and deletes both
// candidate sub-collections. Every step runs even if an earlier one failed,
// and running it again is harmless. The returned error is informational. Only
// terminal transitions tear down.
func (s *Session) teardown(ctx context.Context) error {
	return s.shutdown(ctx, internal_type.RoleCaller, internal_type.RoleCallee)
}

// release drops the local resources of a session whose call is still live on
// the channel. Only candidates this side published are purged; the remote
// sub-collection stays for a retry.
func (s *Session) release(ctx context.Context) error {
	return s.shutdown(ctx, s.role)
}

func (s *Session) shutdown(ctx context.Context, purge ...internal_type.Role) error {
	s.mu.Lock()
	pc := s.pc
	stream := s.stream
	subscriptions := s.subscriptions
	timer := s.ringTimer
	s.pc = nil
	s.stream = nil
	s.subscriptions = nil
	s.ringTimer = nil
	s.remoteTracks = nil
	s.state = StateIdle
	s.status = ""
	s.mu.Unlock()

	s.cancel()
	if timer != nil {
		timer.Stop()
	}

	var errs []error
	if pc != nil {
		if err := pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close peer connection: %w", err))
		}
	}
	if stream != nil {
		stream.Stop()
	}
	for _, unsubscribe := range subscriptions {
		unsubscribe()
	}
	for role, gate := range s.gates {
		if dropped := gate.Close(); dropped > 0 {
			s.logger.Debugw("dropped buffered candidates", "from", role.String(), "count", dropped)
		}
	}
	if err := s.purgeCandidates(ctx, purge...); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Warnw("call teardown finished with errors", "error", err)
		return err
	}
	s.logger.Debugw("call teardown complete", "purged", len(purge))
	return nil
}

// purgeCandidates deletes the given candidate sub-collections of the call.
func (s *Session) purgeCandidates(ctx context.Context, roles ...internal_type.Role) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, role := range roles {
		g.Go(func() error {
			n, err := s.channel.PurgeCandidates(ctx, s.callID, role)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("purge %s candidates: %w", role, err))
				mu.Unlock()
			}
			if n > 0 {
				s.logger.Debugw("purged candidates", "from", role.String(), "count", n)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
