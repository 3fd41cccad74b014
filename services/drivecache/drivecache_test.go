package drivecache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"mediaserve/services/remote"
)

// fakeProvider serves a fixed byte blob and records every range request.
type fakeProvider struct {
	data []byte

	mu         sync.Mutex
	statCalls  int
	rangeCalls []string
	active     int32
	maxActive  int32
	throttle   chan struct{} // if non-nil, each Read waits for a token
}

func (f *fakeProvider) Stat(ctx context.Context, fileID string) (remote.FileInfo, error) {
	f.mu.Lock()
	f.statCalls++
	f.mu.Unlock()
	return remote.FileInfo{Size: int64(len(f.data)), MimeType: "video/mp4", Name: "file.mp4"}, nil
}

func (f *fakeProvider) FetchRange(ctx context.Context, fileID string, start, end int64) (io.ReadCloser, error) {
	f.mu.Lock()
	f.rangeCalls = append(f.rangeCalls, fmt.Sprintf("%d-%d", start, end))
	f.mu.Unlock()
	if end >= int64(len(f.data)) {
		return nil, fmt.Errorf("range beyond EOF")
	}
	n := atomic.AddInt32(&f.active, 1)
	for {
		max := atomic.LoadInt32(&f.maxActive)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxActive, max, n) {
			break
		}
	}
	body := f.data[start : end+1]
	return &fakeBody{p: f, r: bytes.NewReader(body), ctx: ctx, throttle: f.throttle}, nil
}

func (f *fakeProvider) Thumbnail(ctx context.Context, fileID string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("thumb")), nil
}

func (f *fakeProvider) ranges() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.rangeCalls...)
}

type fakeBody struct {
	p        *fakeProvider
	r        *bytes.Reader
	ctx      context.Context
	throttle chan struct{}
	closed   bool
}

func (b *fakeBody) Read(p []byte) (int, error) {
	if b.throttle != nil {
		select {
		case <-b.throttle:
		default:
			select {
			case <-b.throttle:
			case <-b.ctx.Done():
				return 0, b.ctx.Err()
			}
		}
	}
	if len(p) > 16 {
		p = p[:16]
	}
	return b.r.Read(p)
}

func (b *fakeBody) Close() error {
	if !b.closed {
		b.closed = true
		atomic.AddInt32(&b.p.active, -1)
	}
	return nil
}

func blob(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestReadRangeFromCompletedCache(t *testing.T) {
	p := &fakeProvider{data: blob(1000)}
	c, err := New(p, afero.NewMemMapFs(), "/cache", true)
	require.NoError(t, err)
	defer c.Shutdown()

	e, err := c.Open(context.Background(), "file1")
	require.NoError(t, err)
	waitFor(t, func() bool { return e.Downloaded() == 1000 }, "background download never finished")

	before := len(p.ranges())
	rc, err := e.ReadRange(context.Background(), 100, 199)
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, p.data[100:200], got)
	require.Len(t, p.ranges(), before, "cached read must not hit the remote")
}

func TestReadRangeBeyondDownloadedIsPassThrough(t *testing.T) {
	p := &fakeProvider{data: blob(1000)}
	c, err := New(p, afero.NewMemMapFs(), "/cache", false)
	require.NoError(t, err)
	defer c.Shutdown()

	e, err := c.Open(context.Background(), "file1")
	require.NoError(t, err)
	require.EqualValues(t, 0, e.Downloaded())

	rc, err := e.ReadRange(context.Background(), 200, 299)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()

	require.Equal(t, p.data[200:300], got)
	require.Equal(t, []string{"200-299"}, p.ranges(), "exactly the requested window must be fetched")
	require.EqualValues(t, 0, e.Downloaded(), "pass-through reads must not advance the cache")
}

func TestSingleBackgroundDownloadPerFile(t *testing.T) {
	throttle := make(chan struct{})
	p := &fakeProvider{data: blob(4096), throttle: throttle}
	c, err := New(p, afero.NewMemMapFs(), "/cache", true)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Open(context.Background(), "file1"); err != nil {
				t.Errorf("Open: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, p.statCalls, "concurrent opens must share one stat")
	waitFor(t, func() bool { return len(p.ranges()) >= 1 }, "background download never started")
	time.Sleep(50 * time.Millisecond)
	require.Len(t, p.ranges(), 1, "only one background download may start")

	close(throttle)
	c.Shutdown()
	require.LessOrEqual(t, atomic.LoadInt32(&p.maxActive), int32(1))
}

func TestDownloadedBytesMonotonic(t *testing.T) {
	throttle := make(chan struct{})
	p := &fakeProvider{data: blob(256), throttle: throttle}
	c, err := New(p, afero.NewMemMapFs(), "/cache", true)
	require.NoError(t, err)

	e, err := c.Open(context.Background(), "file1")
	require.NoError(t, err)

	var last int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 16; i++ {
			throttle <- struct{}{}
			cur := e.Downloaded()
			if cur < last {
				t.Errorf("downloaded went backwards: %d -> %d", last, cur)
				return
			}
			last = cur
		}
	}()
	<-done
	close(throttle)
	waitFor(t, func() bool { return e.Downloaded() == 256 }, "download never completed")
	c.Shutdown()
	require.EqualValues(t, 256, e.Downloaded())
}

func TestOpenResumesPartialFile(t *testing.T) {
	p := &fakeProvider{data: blob(1000)}
	fsys := afero.NewMemMapFs()

	c, err := New(p, fsys, "/cache", false)
	require.NoError(t, err)
	// Simulate a previous run that downloaded the first 300 bytes.
	require.NoError(t, afero.WriteFile(fsys, c.cachePath("file1"), p.data[:300], 0o644))

	e, err := c.Open(context.Background(), "file1")
	require.NoError(t, err)
	require.EqualValues(t, 300, e.Downloaded())

	rc, err := e.ReadRange(context.Background(), 0, 299)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	require.Equal(t, p.data[:300], got)
	require.Empty(t, p.ranges(), "fully cached window must not hit the remote")
	c.Shutdown()
}

func TestReopenUsesPersistedMetadata(t *testing.T) {
	p := &fakeProvider{data: blob(500)}
	fsys := afero.NewMemMapFs()

	c, err := New(p, fsys, "/cache", false)
	require.NoError(t, err)
	_, err = c.Open(context.Background(), "file1")
	require.NoError(t, err)
	require.Equal(t, 1, p.statCalls)
	c.Shutdown()

	// A fresh cache over the same directory finds the metadata sidecar and
	// never stats the remote again.
	c2, err := New(p, fsys, "/cache", false)
	require.NoError(t, err)
	e, err := c2.Open(context.Background(), "file1")
	require.NoError(t, err)
	require.Equal(t, 1, p.statCalls)
	require.EqualValues(t, 500, e.Size())
	require.Equal(t, "video/mp4", e.MimeType())
	c2.Shutdown()
}

func TestShutdownStopsFill(t *testing.T) {
	throttle := make(chan struct{})
	p := &fakeProvider{data: blob(4096), throttle: throttle}
	c, err := New(p, afero.NewMemMapFs(), "/cache", true)
	require.NoError(t, err)

	_, err = c.Open(context.Background(), "file1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		c.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return; fill goroutine not cancelled")
	}
}
