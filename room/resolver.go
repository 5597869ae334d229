package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aranachat/room/transport"
)

// Mode selects where a resolution starts.
type Mode int

const (
	// ModeFull reserves Primary first, then falls back to Backup or Member.
	ModeFull Mode = iota
	// ModeRejoin is used by a member that lost its leader: join Primary,
	// else join Backup, else take the Backup slot.
	ModeRejoin
	// ModeJoinPrimary joins Primary directly; after a failed attempt it
	// continues as ModeFull.
	ModeJoinPrimary
)

func (m Mode) String() string {
	switch m {
	case ModeRejoin:
		return "rejoin"
	case ModeJoinPrimary:
		return "join-primary"
	default:
		return "full"
	}
}

// Resolution is the outcome of one resolve: either a reserved Endpoint
// (leader roles) or an open Channel to the leader (Member).
type Resolution struct {
	Role     Role
	Identity string
	Leader   string
	Endpoint transport.Endpoint
	Channel  transport.Channel
}

// release gives back whatever the resolution holds.
func (r *Resolution) release() {
	if r.Endpoint != nil {
		r.Endpoint.Close()
	}
	if r.Channel != nil {
		r.Channel.Close()
	}
}

// Resolver decides which role this process takes.
type Resolver struct {
	tr      transport.Transport
	primary string
	backup  string
	self    string

	probeTimeout   time.Duration
	connectTimeout time.Duration
	retryDelay     time.Duration

	log    *zap.SugaredLogger
	report func(context string, err error)
}

// Resolve runs attempts until one succeeds or ctx is done. Failures other
// than a held address are retried after retryDelay without limit.
func (r *Resolver) Resolve(ctx context.Context, mode Mode, h transport.Handler) (*Resolution, error) {
	for {
		res, err := r.attempt(ctx, mode, h)
		if err == nil {
			r.log.Infow("resolved", "mode", mode, "role", res.Role, "identity", res.Identity, "leader", res.Leader)
			return res, nil
		}
		r.report("resolve "+mode.String(), err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.retryDelay):
		}
		if mode == ModeJoinPrimary {
			mode = ModeFull
		}
	}
}

func (r *Resolver) attempt(ctx context.Context, mode Mode, h transport.Handler) (*Resolution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch mode {
	case ModeJoinPrimary:
		return r.join(ctx, r.primary, h)
	case ModeRejoin:
		if r.probe(ctx, r.primary) == nil {
			return r.join(ctx, r.primary, h)
		}
		if r.probe(ctx, r.backup) == nil {
			return r.join(ctx, r.backup, h)
		}
		return r.claimBackup(ctx, h)
	}

	ep, err := r.tr.Reserve(r.primary, h)
	if err == nil {
		return &Resolution{Role: PrimaryLeader, Identity: r.primary, Leader: r.primary, Endpoint: ep}, nil
	}
	if !errors.Is(err, transport.ErrAddressInUse) {
		return nil, err
	}
	if r.probe(ctx, r.primary) == nil {
		return r.join(ctx, r.primary, h)
	}
	return r.claimBackup(ctx, h)
}

// claimBackup reserves the Backup slot, or joins whichever slot answers.
func (r *Resolver) claimBackup(ctx context.Context, h transport.Handler) (*Resolution, error) {
	ep, err := r.tr.Reserve(r.backup, h)
	if err == nil {
		return &Resolution{Role: BackupLeader, Identity: r.backup, Leader: r.backup, Endpoint: ep}, nil
	}
	if !errors.Is(err, transport.ErrAddressInUse) {
		return nil, err
	}
	if r.probe(ctx, r.backup) == nil {
		return r.join(ctx, r.backup, h)
	}
	// Both slots held but neither answered.
	return r.join(ctx, r.primary, h)
}

func (r *Resolver) probe(ctx context.Context, target string) error {
	pctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()
	err := r.tr.Probe(pctx, target)
	if err != nil {
		r.log.Debugw("probe failed", "target", target, "err", err)
	}
	return err
}

func (r *Resolver) join(ctx context.Context, target string, h transport.Handler) (*Resolution, error) {
	cctx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()
	ch, err := r.tr.Connect(cctx, r.self, target, h)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", target, err)
	}
	return &Resolution{Role: Member, Identity: r.self, Leader: target, Channel: ch}, nil
}
