// Package eventbus implements the single shared-memory region every node on
// the host waits on: a fixed-width bit-set where bit i means "topic event i
// has unread data," plus the timestamp of the most recent write to the
// bit-set (by Trigger, Clear or ReadAndClear). It is the
// one blocking primitive an Executor's spin loop needs — instead of each
// subscriber blocking on its own channel, every node blocks once on the bus
// and then inspects which bits are set.
//
// The bus is a shmchan.Channel whose payload is the bit-set rather than a
// message; it is created and attached with its own magic word, MagicEventBus
// — distinct from shmchan.MagicChannel — so a stray attach against the wrong
// segment is caught at attach time rather than silently misinterpreting the
// payload, per spec.md §6's "two distinct 32-bit magics" requirement.
package eventbus

import (
	"fmt"

	"github.com/shmros/shmros/shmchan"
)

// MagicEventBus distinguishes an EventBus region from a general ShmChannel.
const MagicEventBus uint32 = 0x4556454E // "EVEN"

const bitsPerWord = 64

// wordsFor returns the number of 64-bit words needed to hold count bits.
func wordsFor(count int) int {
	return (count + bitsPerWord - 1) / bitsPerWord
}

// EventBus is a process-shared bit-set with wait/notify semantics.
type EventBus struct {
	ch        *shmchan.Channel
	maxEvents int
	words     int
}

// Create allocates a new named EventBus sized for maxEvents distinct event
// ids (0..maxEvents-1), initialized against MagicEventBus.
func Create(name string, maxEvents int) (*EventBus, error) {
	words := wordsFor(maxEvents)
	ch, err := shmchan.CreateWithMagic(name, words*8, MagicEventBus)
	if err != nil {
		return nil, err
	}
	return &EventBus{ch: ch, maxEvents: maxEvents, words: words}, nil
}

// Attach maps an existing named EventBus, re-initializing it against
// MagicEventBus if the creator died mid-init.
func Attach(name string, maxEvents int) (*EventBus, error) {
	words := wordsFor(maxEvents)
	ch, err := shmchan.AttachWithMagic(name, words*8, MagicEventBus)
	if err != nil {
		return nil, err
	}
	return &EventBus{ch: ch, maxEvents: maxEvents, words: words}, nil
}

// CreateOrAttach creates the bus if it does not exist, or attaches to it.
func CreateOrAttach(name string, maxEvents int) (*EventBus, error) {
	words := wordsFor(maxEvents)
	ch, err := shmchan.CreateOrAttachWithMagic(name, words*8, MagicEventBus)
	if err != nil {
		return nil, err
	}
	return &EventBus{ch: ch, maxEvents: maxEvents, words: words}, nil
}

// MaxEvents returns the bus's configured event-id capacity.
func (b *EventBus) MaxEvents() int { return b.maxEvents }

// IsOwner reports whether this process created the bus's underlying
// segment, as opposed to attaching to one created by another process.
func (b *EventBus) IsOwner() bool { return b.ch.IsOwner() }

func (b *EventBus) checkID(eventID int) error {
	if eventID < 0 || eventID >= b.maxEvents {
		return fmt.Errorf("eventbus: event id %d out of range [0,%d)", eventID, b.maxEvents)
	}
	return nil
}

// Trigger sets eventID's bit and wakes every waiter. Safe to call from any
// process attached to the bus.
func (b *EventBus) Trigger(eventID int) error {
	if err := b.checkID(eventID); err != nil {
		return err
	}
	if err := b.ch.Lock(); err != nil {
		return err
	}
	defer b.ch.Unlock()

	word := eventID / bitsPerWord
	bit := uint(eventID % bitsPerWord)
	var buf [8]byte
	if _, err := b.ch.Read(buf[:], word*8); err != nil {
		return err
	}
	v := le64(buf[:])
	v |= 1 << bit
	putLe64(buf[:], v)
	if err := b.ch.Write(buf[:], word*8); err != nil {
		return err
	}
	return b.ch.Broadcast()
}

// Clear atomically clears a single event bit without touching the others.
func (b *EventBus) Clear(eventID int) error {
	if err := b.checkID(eventID); err != nil {
		return err
	}
	if err := b.ch.Lock(); err != nil {
		return err
	}
	defer b.ch.Unlock()

	word := eventID / bitsPerWord
	bit := uint(eventID % bitsPerWord)
	var buf [8]byte
	if _, err := b.ch.Read(buf[:], word*8); err != nil {
		return err
	}
	v := le64(buf[:])
	v &^= 1 << bit
	putLe64(buf[:], v)
	return b.ch.Write(buf[:], word*8)
}

// Snapshot is a copy of the bus's bit-set at the moment it was read.
type Snapshot struct {
	Words []uint64
}

// IsSet reports whether eventID's bit is set in the snapshot.
func (s Snapshot) IsSet(eventID int) bool {
	word := eventID / bitsPerWord
	if word < 0 || word >= len(s.Words) {
		return false
	}
	bit := uint(eventID % bitsPerWord)
	return s.Words[word]&(1<<bit) != 0
}

// snapshotLocked copies every word of the bit-set. Caller must hold the
// lock.
func (b *EventBus) snapshotLocked() (Snapshot, error) {
	buf := make([]byte, b.words*8)
	if _, err := b.ch.Read(buf, 0); err != nil {
		return Snapshot{}, err
	}
	words := make([]uint64, b.words)
	for i := range words {
		words[i] = le64(buf[i*8:])
	}
	return Snapshot{Words: words}, nil
}

// Wait returns at once if some bit is already set; otherwise it blocks until
// the bus is broadcast (by Trigger or NotifyAll) or timeoutMs elapses,
// whichever comes first, and returns a snapshot of the bit-set as observed on
// wake. The snapshot may have no bit set after a timeout, a NotifyAll, or a
// spurious wakeup. A negative timeoutMs waits indefinitely. Wait never clears
// bits itself — callers own deciding what to do with the snapshot, typically
// by calling Clear only for the bits they actually process so other attached
// processes still see the ones they haven't handled yet.
func (b *EventBus) Wait(timeoutMs int64) (Snapshot, error) {
	if err := b.ch.Lock(); err != nil {
		return Snapshot{}, err
	}
	defer b.ch.Unlock()

	snap, err := b.snapshotLocked()
	if err != nil {
		return Snapshot{}, err
	}
	if anySet(snap.Words) {
		return snap, nil
	}
	if err := b.ch.Wait(timeoutMs); err != nil && err != shmchan.ErrTimedOut {
		return Snapshot{}, err
	}
	return b.snapshotLocked()
}

func anySet(words []uint64) bool {
	for _, w := range words {
		if w != 0 {
			return true
		}
	}
	return false
}

// ReadAndClear atomically copies the entire bit-set and zeroes it in one
// locked operation. Intended for a single authoritative consumer; most
// Executor spin loops should prefer Wait plus per-bit Clear so they don't
// race other processes sharing the bus.
func (b *EventBus) ReadAndClear() (Snapshot, error) {
	if err := b.ch.Lock(); err != nil {
		return Snapshot{}, err
	}
	defer b.ch.Unlock()

	snap, err := b.snapshotLocked()
	if err != nil {
		return Snapshot{}, err
	}
	zero := make([]byte, b.words*8)
	if err := b.ch.Write(zero, 0); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// NotifyAll wakes every waiter without setting any bit, used during
// shutdown so blocked spin loops observe no bits set, re-check their
// running flag, and exit.
func (b *EventBus) NotifyAll() error {
	if err := b.ch.Lock(); err != nil {
		return err
	}
	defer b.ch.Unlock()
	return b.ch.Broadcast()
}

// Close unmaps the bus.
func (b *EventBus) Close() error { return b.ch.Close() }

// Unlink removes the bus's shared-memory object. Only the owner should call
// this.
func (b *EventBus) Unlink() error { return b.ch.Unlink() }

func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v
}

func putLe64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}
