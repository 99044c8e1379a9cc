package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cucumber/godog"

	"github.com/shmros/shmros/codec"
	"github.com/shmros/shmros/config"
	"github.com/shmros/shmros/registry"
)

// Static error variables for BDD step failures.
var (
	errNoNodeInScenario       = errors.New("no node in scenario")
	errNoSubscriberInScenario = errors.New("no subscriber in scenario")
	errNoPublisherInScenario  = errors.New("no publisher in scenario")
	errSubscriberNeverFired   = errors.New("subscriber never received a value before the deadline")
	errUnexpectedValueCount   = errors.New("subscriber received an unexpected number of values")
	errUnexpectedLastValue    = errors.New("subscriber's last value did not match")
	errRegistrySnapshotFailed = errors.New("registry snapshot failed")
	errUnexpectedAliveCount   = errors.New("unexpected alive node count")
	errUnexpectedNodeCount    = errors.New("unexpected node count")
)

type scenarioMsg struct {
	Value int `json:"value"`
}

var bddNodeCounter atomic.Uint64

// bddScenario holds per-scenario state: the node under test, its
// publisher/subscriber, and the values the subscriber has observed so far.
type bddScenario struct {
	n        *Node
	observer *registry.Registry

	mu       sync.Mutex
	received []int

	pub interface {
		Publish(scenarioMsg) error
	}
}

func (s *bddScenario) reset() {
	s.n = nil
	s.observer = nil
	s.received = nil
	s.pub = nil
}

func (s *bddScenario) aFreshNodeInItsOwnDomain() error {
	s.reset()
	id := bddNodeCounter.Add(1)
	cfg := config.Default()
	cfg.DomainID = int(id)
	cfg.EventBusName = fmt.Sprintf("/shmros_bdd_bus_%d", id)
	cfg.RegistryName = fmt.Sprintf("/shmros_bdd_registry_%d", id)
	cfg.IdleCapMillis = 20

	n, err := New(cfg, "bdd-node", "", nil)
	if err != nil {
		return err
	}
	n.Start()
	go n.Spin()

	observer, err := registry.Attach(cfg.RegistryName, registryPayloadSize(cfg), registry.Limits{})
	if err != nil {
		return err
	}

	s.n = n
	s.observer = observer
	return nil
}

func (s *bddScenario) aSubscriberOnTopicEvent(topic, event string) error {
	if s.n == nil {
		return errNoNodeInScenario
	}
	serializer := codec.JSONSerializer[scenarioMsg]{MaxSize: 64}
	_, err := CreateSubscriber[scenarioMsg](s.n, topic, event, serializer, func(v scenarioMsg) {
		s.mu.Lock()
		s.received = append(s.received, v.Value)
		s.mu.Unlock()
	})
	return err
}

func (s *bddScenario) aPublisherOnTopicEvent(topic, event string) error {
	if s.n == nil {
		return errNoNodeInScenario
	}
	serializer := codec.JSONSerializer[scenarioMsg]{MaxSize: 64}
	pub, err := CreatePublisher[scenarioMsg](s.n, topic, event, serializer)
	if err != nil {
		return err
	}
	s.pub = pub
	return nil
}

func (s *bddScenario) thePublisherPublishesValue(value int) error {
	if s.pub == nil {
		return errNoPublisherInScenario
	}
	return s.pub.Publish(scenarioMsg{Value: value})
}

func (s *bddScenario) theNodeSpinsUntilTheSubscriberHasAValue() error {
	deadline := time.After(time.Second)
	for {
		s.mu.Lock()
		n := len(s.received)
		s.mu.Unlock()
		if n > 0 {
			return nil
		}
		select {
		case <-deadline:
			return errSubscriberNeverFired
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *bddScenario) theSubscribersLastValueShouldBe(want int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.received) == 0 {
		return errNoSubscriberInScenario
	}
	if got := s.received[len(s.received)-1]; got != want {
		return fmt.Errorf("%w: got %d, want %d", errUnexpectedLastValue, got, want)
	}
	return nil
}

func (s *bddScenario) theSubscriberShouldHaveReceivedExactlyNValues(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.received) != n {
		return fmt.Errorf("%w: got %d, want %d", errUnexpectedValueCount, len(s.received), n)
	}
	return nil
}

func (s *bddScenario) theRegistryShouldReportNAliveNode(n int) error {
	snap, err := s.observer.Snapshot()
	if err != nil {
		return fmt.Errorf("%w: %w", errRegistrySnapshotFailed, err)
	}
	if snap.AliveNodeCount != n {
		return fmt.Errorf("%w: got %d, want %d", errUnexpectedAliveCount, snap.AliveNodeCount, n)
	}
	return nil
}

func (s *bddScenario) theNodeStopsGracefully() error {
	if s.n == nil {
		return errNoNodeInScenario
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.n.Stop(ctx); err != nil {
		return err
	}
	s.n.UnlinkOwned()
	return nil
}

// theRegistryShouldReportNAliveNodesRemaining checks AliveNodeCount, not
// len(Nodes): a gracefully stopped node's slot stays in the table marked
// dead (reusable via NextNodeID), it does not disappear — see
// registry.RemoveNode.
func (s *bddScenario) theRegistryShouldReportNAliveNodesRemaining(n int) error {
	snap, err := s.observer.Snapshot()
	if err != nil {
		return fmt.Errorf("%w: %w", errRegistrySnapshotFailed, err)
	}
	if snap.AliveNodeCount != n {
		return fmt.Errorf("%w: got %d, want %d", errUnexpectedNodeCount, snap.AliveNodeCount, n)
	}
	return nil
}

func InitializeScenario(sc *godog.ScenarioContext) {
	s := &bddScenario{}

	sc.Step(`^a fresh node in its own domain$`, s.aFreshNodeInItsOwnDomain)
	sc.Step(`^a subscriber on topic "([^"]*)" event "([^"]*)"$`, s.aSubscriberOnTopicEvent)
	sc.Step(`^a publisher on topic "([^"]*)" event "([^"]*)"$`, s.aPublisherOnTopicEvent)
	sc.Step(`^the publisher publishes value (\d+)$`, s.thePublisherPublishesValue)
	sc.Step(`^the node spins until the subscriber has a value$`, s.theNodeSpinsUntilTheSubscriberHasAValue)
	sc.Step(`^the subscriber's last value should be (\d+)$`, s.theSubscribersLastValueShouldBe)
	sc.Step(`^the subscriber should have received exactly (\d+) value$`, s.theSubscriberShouldHaveReceivedExactlyNValues)
	sc.Step(`^the registry should report (\d+) alive node$`, s.theRegistryShouldReportNAliveNode)
	sc.Step(`^the node stops gracefully$`, s.theNodeStopsGracefully)
	sc.Step(`^the registry should report (\d+) alive nodes remaining$`, s.theRegistryShouldReportNAliveNodesRemaining)

	sc.After(func(ctx context.Context, scenario *godog.Scenario, err error) (context.Context, error) {
		if s.n != nil {
			s.n.UnlinkOwned()
		}
		if s.observer != nil {
			s.observer.Close()
		}
		s.reset()
		return ctx, nil
	})
}

func TestNodeScenarios(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/scenarios.feature"},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
