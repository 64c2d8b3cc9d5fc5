// Package updates computes who must see a change and renders it for each of them.
package updates

import (
	"context"
	"fmt"
	"slices"

	"chatsync/internal/models"
	"chatsync/internal/protocol"
)

// GroupType records which rule produced an UpdateGroup
type GroupType string

const (
	DirectUsers GroupType = "directUsers"
	ThreadUsers GroupType = "threadUsers"
	SpaceUsers  GroupType = "spaceUsers"
)

// UpdateGroup is the recipient set of one change. It is computed per
// mutation and never cached.
type UpdateGroup struct {
	Type    GroupType
	UserIDs []int64
}

func (g UpdateGroup) Contains(userID int64) bool {
	_, found := slices.BinarySearch(g.UserIDs, userID)
	return found
}

// Without returns a copy of g minus userID, e.g. the actor of a transient signal
func (g UpdateGroup) Without(userID int64) UpdateGroup {
	return UpdateGroup{
		Type:    g.Type,
		UserIDs: slices.DeleteFunc(slices.Clone(g.UserIDs), func(id int64) bool { return id == userID }),
	}
}

// Membership answers "who can see this peer" from committed state
type Membership interface {
	ChatByPeer(ctx context.Context, actorID int64, peer protocol.Peer) (*models.Chat, error)
	SpaceMemberIDs(ctx context.Context, spaceID int64) ([]int64, error)
	ChatParticipantIDs(ctx context.Context, chatID int64) ([]int64, error)
}

type Resolver struct {
	members Membership
}

func NewResolver(members Membership) *Resolver {
	return &Resolver{members: members}
}

type resolveOptions struct {
	include []int64
}

type ResolveOption func(*resolveOptions)

// IncludeUsers adds users who belong to the group after the mutation even
// if committed membership does not list them yet.
func IncludeUsers(ids ...int64) ResolveOption {
	return func(o *resolveOptions) { o.include = append(o.include, ids...) }
}

// Resolve looks up the chat addressed by peer and computes its group
func (r *Resolver) Resolve(ctx context.Context, peer protocol.Peer, actorID int64, opts ...ResolveOption) (*models.Chat, UpdateGroup, error) {
	if err := peer.Validate(); err != nil {
		return nil, UpdateGroup{}, err
	}
	chat, err := r.members.ChatByPeer(ctx, actorID, peer)
	if err != nil {
		return nil, UpdateGroup{}, err
	}
	group, err := r.ResolveChat(ctx, chat, opts...)
	if err != nil {
		return nil, UpdateGroup{}, err
	}
	return chat, group, nil
}

// ResolveChat computes the group of an already loaded chat
func (r *Resolver) ResolveChat(ctx context.Context, chat *models.Chat, opts ...ResolveOption) (UpdateGroup, error) {
	var o resolveOptions
	for _, opt := range opts {
		opt(&o)
	}

	var group UpdateGroup
	switch {
	case chat.Type == models.ChatPrivate:
		users := chat.PrivateUsers()
		if users == nil {
			return UpdateGroup{}, fmt.Errorf("private chat %d has no user pair", chat.ID)
		}
		group = UpdateGroup{Type: DirectUsers, UserIDs: users}

	case chat.Type == models.ChatThread && chat.Public && chat.SpaceID != nil:
		ids, err := r.members.SpaceMemberIDs(ctx, *chat.SpaceID)
		if err != nil {
			return UpdateGroup{}, err
		}
		group = UpdateGroup{Type: SpaceUsers, UserIDs: ids}

	case chat.Type == models.ChatThread:
		ids, err := r.members.ChatParticipantIDs(ctx, chat.ID)
		if err != nil {
			return UpdateGroup{}, err
		}
		group = UpdateGroup{Type: ThreadUsers, UserIDs: ids}

	default:
		return UpdateGroup{}, fmt.Errorf("chat %d has unknown type %q", chat.ID, chat.Type)
	}

	group.UserIDs = normalize(group.UserIDs, o.include)
	return group, nil
}

func normalize(ids, include []int64) []int64 {
	out := make([]int64, 0, len(ids)+len(include))
	out = append(out, ids...)
	out = append(out, include...)
	slices.Sort(out)
	return slices.Compact(out)
}
