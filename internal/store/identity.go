package store

import "context"

// Identity keys, shared with the original web client's local storage.
const (
	usernameKey = "ezchat_username"
	roomKey     = "ezchat_room"
)

// Identity is the persisted startup defaults for a participant.
type Identity struct {
	Username string
	Room     string
}

// LoadIdentity reads the persisted username and last-used room. Missing keys
// yield empty fields; the caller applies its own defaults.
func LoadIdentity(ctx context.Context, kv KV) (Identity, error) {
	var id Identity
	if raw, ok, err := kv.Get(ctx, usernameKey); err != nil {
		return Identity{}, err
	} else if ok {
		id.Username = string(raw)
	}
	if raw, ok, err := kv.Get(ctx, roomKey); err != nil {
		return Identity{}, err
	} else if ok {
		id.Room = string(raw)
	}
	return id, nil
}

// SaveIdentity persists the identity for the next startup. Empty fields are
// not written, so a one-off anonymous session doesn't clobber saved values.
func SaveIdentity(ctx context.Context, kv KV, id Identity) error {
	if id.Username != "" {
		if err := kv.Set(ctx, usernameKey, []byte(id.Username)); err != nil {
			return err
		}
	}
	if id.Room != "" {
		if err := kv.Set(ctx, roomKey, []byte(id.Room)); err != nil {
			return err
		}
	}
	return nil
}
