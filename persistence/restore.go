package persistence

import (
	"bytes"

	bolt "go.etcd.io/bbolt"

	"github.com/meshcredit/corenet/meshwire"
	"github.com/meshcredit/corenet/tokenchannel"
)

// FriendRecord is one persisted friend's identity and enabled flag.
type FriendRecord struct {
	Friend  meshwire.PublicKey
	Enabled bool
}

// ListFriends scans the entire friends bucket, the restore-time
// counterpart to PutFriend/DeleteFriend, grounded on channeldb.DB's
// FetchAllChannels full-bucket-scan pattern for rebuilding in-memory state
// at startup.
func (s *Store) ListFriends() ([]FriendRecord, error) {
	var out []FriendRecord
	err := s.View(friendsBucket, func(b *bolt.Bucket) error {
		return b.ForEach(func(k, v []byte) error {
			var pk meshwire.PublicKey
			copy(pk[:], k)
			out = append(out, FriendRecord{Friend: pk, Enabled: FriendEnabled(v)})
			return nil
		})
	})
	return out, err
}

// LoadTokenChannel restores one friend's persisted channel snapshot. ok is
// false if the friend has never had a channel snapshot written.
func (s *Store) LoadTokenChannel(pk meshwire.PublicKey) (tokenchannel.Snapshot, bool, error) {
	raw, ok, err := s.Get(tokenChannelBucket, pk[:])
	if err != nil || !ok {
		return tokenchannel.Snapshot{}, false, err
	}
	snap, err := DecodeTokenChannel(raw)
	return snap, err == nil, err
}

// PendingOutbox returns every outbound message recorded for friend that was
// never acknowledged before the last shutdown, in sequence order (the
// outbox key embeds a big-endian sequence number, so bucket order is send
// order). The caller retransmits them verbatim on reconnect; peers treat a
// repeated newToken as a no-op.
func (s *Store) PendingOutbox(pk meshwire.PublicKey) ([]meshwire.Message, error) {
	var out []meshwire.Message
	err := s.View(outboxBucket, func(b *bolt.Bucket) error {
		c := b.Cursor()
		for k, v := c.Seek(pk[:]); k != nil && bytes.HasPrefix(k, pk[:]); k, v = c.Next() {
			msg, err := DecodeOutboxEntry(v)
			if err != nil {
				return err
			}
			out = append(out, msg)
		}
		return nil
	})
	return out, err
}
