// Package shmchan implements ShmChannel: a fixed-size shared-memory region
// guarded by a process-shared pthread mutex and condition variable, plus a
// microsecond write timestamp. It is the synchronization primitive every
// higher-level component (EventBus, Registry, Publisher/Subscriber) is built
// on.
//
// Go's native sync.Mutex and sync.Cond cannot be placed in memory mapped
// across separate process address spaces: the runtime's futex fast path
// assumes futex words are private to the process, which does not hold once
// two processes mmap the same shared-memory object. Process-shared mutexes
// and condition variables require pthread_mutexattr_setpshared /
// pthread_condattr_setpshared, which only exist in the platform's pthread
// library — hence this package is cgo, unlike the pure-Go shm package it
// builds on.
package shmchan

/*
#include <pthread.h>
#include <string.h>
#include <time.h>
#include <stdint.h>
#include <errno.h>

typedef struct {
    uint32_t magic;
    pthread_mutex_t mutex;
    pthread_cond_t  cond;
    uint64_t        timestamp_us;
} shmros_header_t;

static int shmros_init_header(shmros_header_t *h) {
    pthread_mutexattr_t mattr;
    pthread_condattr_t cattr;
    int rc;

    rc = pthread_mutexattr_init(&mattr);
    if (rc != 0) return rc;
    rc = pthread_mutexattr_setpshared(&mattr, PTHREAD_PROCESS_SHARED);
    if (rc != 0) { pthread_mutexattr_destroy(&mattr); return rc; }
    rc = pthread_mutex_init(&h->mutex, &mattr);
    pthread_mutexattr_destroy(&mattr);
    if (rc != 0) return rc;

    rc = pthread_condattr_init(&cattr);
    if (rc != 0) return rc;
    rc = pthread_condattr_setpshared(&cattr, PTHREAD_PROCESS_SHARED);
    if (rc != 0) { pthread_condattr_destroy(&cattr); return rc; }
#if defined(CLOCK_MONOTONIC) && !defined(__APPLE__)
    pthread_condattr_setclock(&cattr, CLOCK_MONOTONIC);
#endif
    rc = pthread_cond_init(&h->cond, &cattr);
    pthread_condattr_destroy(&cattr);
    return rc;
}

static int shmros_lock(shmros_header_t *h)      { return pthread_mutex_lock(&h->mutex); }
static int shmros_unlock(shmros_header_t *h)    { return pthread_mutex_unlock(&h->mutex); }
static int shmros_broadcast(shmros_header_t *h) { return pthread_cond_broadcast(&h->cond); }
static int shmros_signal(shmros_header_t *h)    { return pthread_cond_signal(&h->cond); }

static int shmros_wait(shmros_header_t *h, long timeout_ms) {
    if (timeout_ms < 0) {
        return pthread_cond_wait(&h->cond, &h->mutex);
    }
    struct timespec ts;
#if defined(CLOCK_MONOTONIC) && !defined(__APPLE__)
    clock_gettime(CLOCK_MONOTONIC, &ts);
#else
    clock_gettime(CLOCK_REALTIME, &ts);
#endif
    ts.tv_sec  += timeout_ms / 1000;
    ts.tv_nsec += (timeout_ms % 1000) * 1000000L;
    if (ts.tv_nsec >= 1000000000L) {
        ts.tv_sec  += 1;
        ts.tv_nsec -= 1000000000L;
    }
    return pthread_cond_timedwait(&h->cond, &h->mutex, &ts);
}

static uint64_t shmros_now_us(void) {
    struct timespec ts;
    clock_gettime(CLOCK_REALTIME, &ts);
    return (uint64_t)ts.tv_sec * 1000000ULL + (uint64_t)ts.tv_nsec / 1000ULL;
}
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/shmros/shmros/shm"
)

// MagicChannel marks a ShmChannel header that has completed pthread
// initialization. A differing value means the region is either freshly
// allocated (zeroed) or belongs to something else.
const MagicChannel uint32 = 0x4D525332 // "MRS2"

const headerSize = int(unsafe.Sizeof(C.shmros_header_t{}))

// ErrTimedOut is returned by Wait when the deadline elapses with no signal
// observed.
var ErrTimedOut = fmt.Errorf("shmchan: %w", errTimeout{})

type errTimeout struct{}

func (errTimeout) Error() string { return "wait timed out" }

// Channel is a named shared-memory region with a process-shared mutex and
// condition variable guarding a fixed-size payload.
type Channel struct {
	seg         *shm.Segment
	header      *C.shmros_header_t
	payload     []byte
	payloadSize int
	magic       uint32
}

// Create allocates a new named channel with the given payload size. The
// caller becomes the segment's owner and initializes the pthread
// primitives. Equivalent to CreateWithMagic(name, payloadSize, MagicChannel).
func Create(name string, payloadSize int) (*Channel, error) {
	return CreateWithMagic(name, payloadSize, MagicChannel)
}

// CreateWithMagic is Create, but stamps the header with magic instead of
// MagicChannel once initialization completes. Callers that build a
// ShmChannel-shaped region for something other than a plain message
// channel — e.g. the EventBus, whose own distinct magic word spec.md §6
// requires so a stray attach is caught rather than silently
// misinterpreting the bit-set as a message payload — should use this
// instead of Create.
func CreateWithMagic(name string, payloadSize int, magic uint32) (*Channel, error) {
	seg, err := shm.Create(name, headerSize+payloadSize)
	if err != nil {
		return nil, err
	}
	ch := newChannel(seg, payloadSize, magic)
	if err := ch.initHeader(); err != nil {
		seg.Close()
		seg.Unlink()
		return nil, err
	}
	return ch, nil
}

// Attach maps an existing named channel. If the header's magic word does not
// match MagicChannel — meaning the creator crashed before finishing
// initialization — this process initializes it instead, matching the
// dual-check rule ("owner, or magic mismatch, re-initializes") the design
// uses to tolerate a creator that dies mid-init. Equivalent to
// AttachWithMagic(name, payloadSize, MagicChannel).
func Attach(name string, payloadSize int) (*Channel, error) {
	return AttachWithMagic(name, payloadSize, MagicChannel)
}

// AttachWithMagic is Attach, but checks the header against magic instead of
// MagicChannel, re-initializing (and stamping magic) if it doesn't match.
func AttachWithMagic(name string, payloadSize int, magic uint32) (*Channel, error) {
	seg, err := shm.Open(name)
	if err != nil {
		return nil, err
	}
	if seg.Size() != headerSize+payloadSize {
		seg.Close()
		return nil, fmt.Errorf("shmchan: %s: size %d does not match expected payload %d", name, seg.Size(), payloadSize)
	}
	ch := newChannel(seg, payloadSize, magic)
	if ch.header.magic != C.uint32_t(magic) {
		if err := ch.initHeader(); err != nil {
			seg.Close()
			return nil, err
		}
	}
	return ch, nil
}

// CreateOrAttach creates the channel if it does not already exist, or
// attaches to it otherwise. Equivalent to
// CreateOrAttachWithMagic(name, payloadSize, MagicChannel).
func CreateOrAttach(name string, payloadSize int) (*Channel, error) {
	return CreateOrAttachWithMagic(name, payloadSize, MagicChannel)
}

// CreateOrAttachWithMagic is CreateOrAttach, but creates/re-initializes
// against magic instead of MagicChannel.
func CreateOrAttachWithMagic(name string, payloadSize int, magic uint32) (*Channel, error) {
	ch, err := CreateWithMagic(name, payloadSize, magic)
	if err == nil {
		return ch, nil
	}
	if _, ok := asShmExists(err); !ok {
		return nil, err
	}
	return AttachWithMagic(name, payloadSize, magic)
}

func asShmExists(err error) (error, bool) {
	for err != nil {
		if err == shm.ErrAlreadyExists {
			return err, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

func newChannel(seg *shm.Segment, payloadSize int, magic uint32) *Channel {
	data := seg.Data()
	header := (*C.shmros_header_t)(unsafe.Pointer(&data[0]))
	payload := data[headerSize : headerSize+payloadSize]
	return &Channel{seg: seg, header: header, payload: payload, payloadSize: payloadSize, magic: magic}
}

func (c *Channel) initHeader() error {
	if rc := C.shmros_init_header(c.header); rc != 0 {
		return fmt.Errorf("shmchan: pthread init failed: errno %d", int(rc))
	}
	c.header.magic = C.uint32_t(c.magic)
	return nil
}

// Name returns the channel's shared-memory name.
func (c *Channel) Name() string { return c.seg.Name() }

// IsOwner reports whether this process created the underlying segment.
func (c *Channel) IsOwner() bool { return c.seg.IsOwner() }

// PayloadSize returns the fixed payload capacity in bytes.
func (c *Channel) PayloadSize() int { return c.payloadSize }

// Magic returns the init-witness magic word this channel was created or
// attached against (MagicChannel unless the caller used the *WithMagic
// variants, e.g. eventbus.MagicEventBus).
func (c *Channel) Magic() uint32 { return c.magic }

// Lock acquires the channel's process-shared mutex.
func (c *Channel) Lock() error {
	if rc := C.shmros_lock(c.header); rc != 0 {
		return fmt.Errorf("shmchan: lock: errno %d", int(rc))
	}
	return nil
}

// Unlock releases the channel's process-shared mutex.
func (c *Channel) Unlock() error {
	if rc := C.shmros_unlock(c.header); rc != 0 {
		return fmt.Errorf("shmchan: unlock: errno %d", int(rc))
	}
	return nil
}

// Signal wakes a single waiter on the channel's condition variable. The
// caller must hold the lock.
func (c *Channel) Signal() error {
	if rc := C.shmros_signal(c.header); rc != 0 {
		return fmt.Errorf("shmchan: signal: errno %d", int(rc))
	}
	return nil
}

// Broadcast wakes every waiter on the channel's condition variable. The
// caller must hold the lock.
func (c *Channel) Broadcast() error {
	if rc := C.shmros_broadcast(c.header); rc != 0 {
		return fmt.Errorf("shmchan: broadcast: errno %d", int(rc))
	}
	return nil
}

// Wait blocks on the condition variable, releasing the lock while waiting
// and reacquiring it before returning, exactly like pthread_cond_wait /
// pthread_cond_timedwait. A negative timeoutMs waits indefinitely. The
// caller must hold the lock before calling, and still holds it on return
// (including on ErrTimedOut). Callers must re-check their wake condition in
// a loop — spurious wakeups are possible.
func (c *Channel) Wait(timeoutMs int64) error {
	rc := C.shmros_wait(c.header, C.long(timeoutMs))
	if rc == 0 {
		return nil
	}
	if rc == C.ETIMEDOUT {
		return ErrTimedOut
	}
	return fmt.Errorf("shmchan: wait: errno %d", int(rc))
}

// TimestampMicros returns the header's last-write timestamp, in
// microseconds since the Unix epoch. The caller should hold the lock for a
// consistent read.
func (c *Channel) TimestampMicros() uint64 {
	return uint64(c.header.timestamp_us)
}

// touchTimestamp stamps the header with the current time. Called by Write
// while the lock is held.
func (c *Channel) touchTimestamp() {
	c.header.timestamp_us = C.shmros_now_us()
}

// Read copies min(len(dst), payloadSize-offset) bytes from the payload at
// offset into dst and returns the number of bytes copied. The caller must
// hold the lock.
func (c *Channel) Read(dst []byte, offset int) (int, error) {
	if offset < 0 || offset > c.payloadSize {
		return 0, fmt.Errorf("shmchan: read offset %d out of range [0,%d]", offset, c.payloadSize)
	}
	n := copy(dst, c.payload[offset:])
	return n, nil
}

// Write copies src into the payload at offset, stamps the header timestamp,
// and returns an error if src would not fit. The caller must hold the lock.
func (c *Channel) Write(src []byte, offset int) error {
	if offset < 0 || offset+len(src) > c.payloadSize {
		return fmt.Errorf("shmchan: write of %d bytes at offset %d exceeds payload size %d", len(src), offset, c.payloadSize)
	}
	copy(c.payload[offset:], src)
	c.touchTimestamp()
	return nil
}

// WriteLocked locks, writes, broadcasts, and unlocks in one call — the
// common publish pattern where every writer wants waiters woken
// immediately.
func (c *Channel) WriteLocked(src []byte, offset int) error {
	if err := c.Lock(); err != nil {
		return err
	}
	defer c.Unlock()
	if err := c.Write(src, offset); err != nil {
		return err
	}
	return c.Broadcast()
}

// ReadLocked locks, reads, and unlocks in one call.
func (c *Channel) ReadLocked(dst []byte, offset int) (int, error) {
	if err := c.Lock(); err != nil {
		return 0, err
	}
	defer c.Unlock()
	return c.Read(dst, offset)
}

// Close unmaps the channel. It does not destroy the pthread primitives —
// they live in shared memory and outlive any single process's mapping —
// nor does it unlink the segment.
func (c *Channel) Close() error {
	return c.seg.Close()
}

// Unlink removes the channel's shared-memory object. Only the owner should
// call this.
func (c *Channel) Unlink() error {
	return c.seg.Unlink()
}
