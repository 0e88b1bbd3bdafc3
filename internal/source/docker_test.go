package source

import (
	"context"
	"errors"
	"testing"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdnsync/mdnsync/internal/snapshot"
)

// fakeDockerAPI implements the subset of Docker client methods used by Docker
type fakeDockerAPI struct {
	list    []containertypes.Summary
	listErr error
	pingErr error
	opts    containertypes.ListOptions
	closed  bool
}

func (f *fakeDockerAPI) ContainerList(ctx context.Context, options containertypes.ListOptions) ([]containertypes.Summary, error) {
	f.opts = options
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.list, nil
}

func (f *fakeDockerAPI) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{}, f.pingErr
}

func (f *fakeDockerAPI) Close() error {
	f.closed = true
	return nil
}

func TestFetchConvertsContainers(t *testing.T) {
	api := &fakeDockerAPI{list: []containertypes.Summary{
		{
			ID:    "c1",
			Names: []string{"/web"},
			State: "running",
			Ports: []containertypes.Port{
				{IP: "::", PrivatePort: 80, PublicPort: 8080, Type: "tcp"},
				{IP: "0.0.0.0", PrivatePort: 80, PublicPort: 8080, Type: "tcp"},
				{IP: "0.0.0.0", PrivatePort: 53, PublicPort: 5353, Type: "udp"},
				{PrivatePort: 9000, Type: "tcp"},
			},
		},
		{ID: "c2", Names: []string{"/db"}, State: "exited"},
	}}
	d := &Docker{cli: api, optOutLabel: "mdnsync.disable"}

	got, err := d.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, api.opts.All, "stopped containers must be listed too")
	require.Len(t, got, 2)

	assert.Equal(t, "c1", got[0].ID)
	assert.Equal(t, "web", got[0].Name)
	assert.True(t, got[0].Running)
	assert.Equal(t, []snapshot.Port{{HostPort: 5353, Protocol: "udp"}, {HostPort: 8080, Protocol: "tcp"}}, got[0].Ports)

	assert.Equal(t, "db", got[1].Name)
	assert.False(t, got[1].Running)
	assert.Empty(t, got[1].Ports)
	assert.NotNil(t, got[1].Ports)
}

func TestFetchMalformedPortsBecomeEmpty(t *testing.T) {
	api := &fakeDockerAPI{list: []containertypes.Summary{
		{ID: "bad-proto", State: "running", Ports: []containertypes.Port{
			{PrivatePort: 80, PublicPort: 8080, Type: "tcp"},
			{PrivatePort: 81, PublicPort: 8081, Type: "quic"},
		}},
		{ID: "bad-record", State: "running", Ports: []containertypes.Port{
			{PrivatePort: 80, PublicPort: 8080, Type: "tcp"},
			{Type: "tcp"},
		}},
	}}
	d := &Docker{cli: api}

	got, err := d.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, c := range got {
		assert.Empty(t, c.Ports, c.ID)
		assert.False(t, c.HasPorts(), c.ID)
	}
}

func TestFetchOptOutLabel(t *testing.T) {
	api := &fakeDockerAPI{list: []containertypes.Summary{
		{ID: "keep", State: "running", Labels: map[string]string{"mdnsync.disable": "false"}},
		{ID: "skip", State: "running", Labels: map[string]string{"mdnsync.disable": "TRUE"}},
	}}
	d := &Docker{cli: api, optOutLabel: "mdnsync.disable"}

	got, err := d.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "keep", got[0].ID)
	// name falls back to the id
	assert.Equal(t, "keep", got[0].Name)
}

func TestFetchUnavailable(t *testing.T) {
	d := &Docker{cli: &fakeDockerAPI{listErr: errors.New("connection refused")}}

	got, err := d.Fetch(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Nil(t, got)
}

func TestPingAndClose(t *testing.T) {
	api := &fakeDockerAPI{pingErr: errors.New("no such file")}
	d := &Docker{cli: api}

	assert.ErrorIs(t, d.Ping(context.Background()), ErrSourceUnavailable)
	api.pingErr = nil
	assert.NoError(t, d.Ping(context.Background()))
	require.NoError(t, d.Close())
	assert.True(t, api.closed)
}

func TestNewDockerUsesSocketPath(t *testing.T) {
	d, err := NewDocker("/tmp/mdnsync-test.sock", "")
	require.NoError(t, err)
	defer d.Close()
	c, ok := d.cli.(interface{ DaemonHost() string })
	require.True(t, ok)
	assert.Equal(t, "unix:///tmp/mdnsync-test.sock", c.DaemonHost())
}
