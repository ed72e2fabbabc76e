package session

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/PoneBiometrics/fido2ble/internal/ctaphid"
)

// Nonce is the 8-byte value the host supplies on INIT and expects echoed
// back in the INIT reply.
type Nonce [8]byte

// channelTable is the C5 channel/nonce bookkeeping: invariant 4 requires
// activeChannel to always be 0 or a key of this table, so all mutation goes
// through these methods rather than touching the map directly.
type channelTable struct {
	states        map[ctaphid.ChannelID]Nonce
	activeChannel ctaphid.ChannelID
	randSource    io.Reader
}

func newChannelTable() *channelTable {
	return &channelTable{
		states:     make(map[ctaphid.ChannelID]Nonce),
		randSource: rand.Reader,
	}
}

// allocate picks a fresh channel id in [1, 0xFFFFFFFE], retrying on
// collision against existing entries (spec §9 design note: "retry on
// collision" rather than the source's uncorrelated-RNG assumption).
func (c *channelTable) allocate() (ctaphid.ChannelID, error) {
	var buf [4]byte
	for {
		if _, err := io.ReadFull(c.randSource, buf[:]); err != nil {
			return 0, err
		}
		id := ctaphid.ChannelID(binary.BigEndian.Uint32(buf[:]))
		if id == 0 || id == ctaphid.BroadcastChannel {
			continue
		}
		if _, taken := c.states[id]; taken {
			continue
		}
		return id, nil
	}
}

// record stores a channel's nonce and makes it the active channel.
func (c *channelTable) record(id ctaphid.ChannelID, nonce Nonce) {
	c.states[id] = nonce
	c.activeChannel = id
}

// matches reports whether id is known with exactly this nonce (the
// "existing channel, matching nonce" INIT case). A channel known with a
// different nonce, or not known at all, both report false — the INIT-on
// mismatch policy of "ignore" is the same either way (spec §9 Open
// Questions).
func (c *channelTable) matches(id ctaphid.ChannelID, nonce Nonce) bool {
	got, ok := c.states[id]
	return ok && got == nonce
}

// activate sets the active channel without touching the nonce table, used
// when re-activating an already-known channel.
func (c *channelTable) activate(id ctaphid.ChannelID) {
	c.activeChannel = id
}

// reset clears the active channel, used by the idle-timeout supervisor.
// The nonce table itself is left intact: a channel id handed out once
// remains valid for a later INIT-with-matching-nonce reconnect.
func (c *channelTable) reset() {
	c.activeChannel = 0
}
