// Package testkafka provides an in-process fake Kafka cluster for tests
// that exercise the listener container and its supporting clients
// without a real broker.
package testkafka

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Cluster wraps an in-memory kfake.Cluster along with its address, so
// tests can both drive client behavior and intercept broker requests.
type Cluster struct {
	*kfake.Cluster
	t *testing.T
}

// CreateCluster starts a single-broker fake cluster and pre-creates each
// topic with the given partition count.
func CreateCluster(t *testing.T, numPartitions int, topics ...string) *Cluster {
	t.Helper()

	opts := []kfake.Opt{
		kfake.NumBrokers(1),
		kfake.SeedTopics(int32(numPartitions), topics...),
	}
	cluster, err := kfake.NewCluster(opts...)
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	return &Cluster{Cluster: cluster, t: t}
}

// Addrs returns the seed broker addresses for this cluster.
func (c *Cluster) Addrs() []string {
	return c.ListenAddrs()
}

// Client creates a kgo.Client pointed at this cluster with the supplied
// extra options layered on top of the seed broker addresses.
func (c *Cluster) Client(extra ...kgo.Opt) *kgo.Client {
	c.t.Helper()
	opts := append([]kgo.Opt{kgo.SeedBrokers(c.Addrs()...)}, extra...)
	client, err := kgo.NewClient(opts...)
	require.NoError(c.t, err)
	c.t.Cleanup(client.Close)
	return client
}

// ControlKey is promoted from the embedded kfake.Cluster: it intercepts
// every request of the given key and invokes fn before the cluster
// processes it, returning fn's response/error/handled triple. It's used
// to simulate broker-side failures deterministically in tests.
