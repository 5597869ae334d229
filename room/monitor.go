package room

import (
	"context"
	"fmt"
	"time"
)

// heartbeat announces the leader and marks silent users offline. The
// leader's own entry never goes offline.
func (n *Node) heartbeat() {
	now := n.now()
	hb := n.stamp(KindHeartbeat)
	hb.AdminIdentity = n.identity
	hb.AdminName = n.name
	hb.AdminRole = n.role.String()
	n.router.Broadcast(hb)

	cutoff := millis(now.Add(-n.proto.OfflineAfter))
	changed := false
	for id, u := range n.users {
		if id == n.identity {
			u.LastSeen = millis(now)
			u.Online = true
			continue
		}
		if u.Online && u.LastSeen < cutoff {
			u.Online = false
			changed = true
			n.log.Infow("user offline", "peer", id)
		}
	}
	if changed {
		list := n.stamp(KindUserList)
		list.Users = n.roster()
		n.router.Broadcast(list)
		n.presenter.OnRosterChanged(n.roster())
	}
}

// probeTick checks the leader from every role but Primary. A backup that
// can reach the primary yields to it.
func (n *Node) probeTick() {
	switch n.role {
	case BackupLeader:
		gen := n.gen
		ctx, cancel := context.WithTimeout(n.ctx, n.proto.ProbeTimeout)
		go func() {
			defer cancel()
			err := n.tr.Probe(ctx, n.primary)
			n.post(func() {
				if gen != n.gen || n.role != BackupLeader {
					return
				}
				if err != nil {
					n.log.Debugw("primary still unreachable", "err", err)
					return
				}
				n.yield()
			})
		}()
	case Member:
		n.checkLeader()
	}
}

// checkLeader rejoins when the leader channel is gone or has been silent
// for longer than the offline timeout.
func (n *Node) checkLeader() {
	if n.role != Member {
		return
	}
	ch, ok := n.registry.Get(n.leaderID)
	silent := n.now().Sub(n.leaderSeen) > n.proto.OfflineAfter
	if ok && !silent {
		return
	}
	if ok {
		n.log.Warnw("leader silent", "leader", n.leaderID, "since", n.leaderSeen)
		ch.Close()
	}
	n.presenter.OnNotify(NoticeWarning, "leader unreachable, reconnecting")
	n.startResolve(ModeRejoin)
}

// yield hands the room back to the primary: members are told to move,
// history is stashed for transfer and the node rejoins as a member after
// the grace delay.
func (n *Node) yield() {
	n.log.Infow("primary reachable, yielding", "primary", n.primary)
	n.presenter.OnNotify(NoticeWarning, "primary leader is back, handing over")

	sw := n.stamp(KindAdminSwitch)
	sw.NewAdmin = n.primary
	sw.Content = "leadership moves to " + n.primary
	n.router.Broadcast(sw)
	redirect := n.stamp(KindRedirect)
	redirect.NewAdmin = n.primary
	n.router.Broadcast(redirect)

	n.persist()
	n.transfer = n.history.Recent(n.proto.TransferLimit)
	n.sched.CancelAll()
	n.sched.After("handoff", n.proto.HandoffGrace, func() {
		n.startResolve(ModeJoinPrimary)
	})
}

// syncTick pushes the online roster from the leader, or asks for it.
func (n *Node) syncTick() {
	switch {
	case n.role.IsLeader():
		out := n.stamp(KindAutoSync)
		out.Users = n.onlineUsers()
		n.router.Broadcast(out)
	case n.role == Member:
		if err := n.router.SendTo(n.leaderID, n.stamp(KindSyncRequest)); err != nil {
			n.report("sync", err)
		}
	}
}

// expiryTick drops messages older than the expiration setting. Zero keeps
// messages forever.
func (n *Node) expiryTick() {
	if !n.role.IsLeader() || n.expiration <= 0 {
		return
	}
	cutoff := n.now().Add(-time.Duration(n.expiration) * time.Minute)
	ids := n.history.ExpireBefore(millis(cutoff))
	if len(ids) == 0 {
		return
	}
	n.persist()
	out := n.stamp(KindExpired)
	out.MessageIDs = ids
	n.router.Broadcast(out)
	n.presenter.OnNotify(NoticeInfo, fmt.Sprintf("%d messages expired", len(ids)))
	n.log.Infow("messages expired", "count", len(ids))
}

func (n *Node) cleanupTick() {
	dead := n.registry.Prune()
	images := n.images.Cleanup(n.now())
	stalled := n.reassembler.Cleanup()
	for _, id := range stalled {
		n.report("cleanup", fmt.Errorf("transfer %s incomplete after %s: %w", id, n.proto.TransferTimeout, ErrInvalidChunk))
	}
	if len(dead) > 0 || images > 0 || len(stalled) > 0 {
		n.log.Debugw("cleanup", "channels", dead, "images", images, "transfers", len(stalled))
	}
}
