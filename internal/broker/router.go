package broker

import (
	"strings"

	"github.com/adred-codev/agentmux/internal/protocol"
)

// resolveTargets expands a send selector into candidate recipient names in
// deterministic order, excluding the sender. exact reports whether the
// selector named a single agent, which changes how enqueue failures surface.
func (b *Broker) resolveTargets(sender, to string) (recipients []string, exact bool, perr *protocol.Error) {
	switch {
	case to == "":
		return nil, false, protocol.NewError(protocol.CodeUnknownTarget, "send target is empty")

	case to == "*":
		for _, name := range b.agentNames() {
			if name != sender {
				recipients = append(recipients, name)
			}
		}
		return recipients, false, nil

	case strings.HasPrefix(to, "#"):
		for _, name := range b.channelMembers(strings.TrimPrefix(to, "#")) {
			if name != sender {
				recipients = append(recipients, name)
			}
		}
		return recipients, false, nil

	default:
		if b.lookup(to) == nil {
			return nil, true, protocol.NewErrorf(protocol.CodeUnknownTarget, "no agent named %q", to)
		}
		return []string{to}, true, nil
	}
}

// allowed applies the ACL: a sender reaches a target when either is in the
// other's owner chain (same spawn lineage), or when both subscribe to a
// common channel. Connection clients are the roots of their own chains.
func (b *Broker) allowed(sender, target string) bool {
	if sender == "" || sender == target {
		return true
	}
	targetChain := b.ownerChain(target)
	// Parentless agents (fleet spawns) have no owner to chain through and
	// are reachable by anyone.
	if len(targetChain) == 1 {
		return true
	}
	for _, name := range targetChain[1:] {
		if name == sender {
			return true
		}
	}
	for _, name := range b.ownerChain(sender)[1:] {
		if name == target {
			return true
		}
	}

	senderAgent := b.lookup(sender)
	targetAgent := b.lookup(target)
	if senderAgent == nil || targetAgent == nil {
		return false
	}
	targetChannels := targetAgent.channelList()
	for _, ch := range senderAgent.channelList() {
		for _, tc := range targetChannels {
			if ch == tc {
				return true
			}
		}
	}
	return false
}
