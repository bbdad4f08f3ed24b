package hosting

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	providerType ProviderType
}

func (s *stubBackend) CreatePR(ctx context.Context, opts CreateOptions) (*PR, error) {
	return &PR{Number: 1, State: StateOpen}, nil
}

func (s *stubBackend) GetPR(ctx context.Context, repoURL string, number int) (*PR, error) {
	return &PR{Number: number, State: StateOpen}, nil
}

func (s *stubBackend) ListPRComments(ctx context.Context, repoURL string, number int, since time.Time) ([]Comment, error) {
	return nil, nil
}

func (s *stubBackend) AddComment(ctx context.Context, repoURL string, number int, body string) error {
	return nil
}

func (s *stubBackend) Name() ProviderType { return s.providerType }

// registerStub installs a counting constructor and restores the
// previous one when the test ends.
func registerStub(t *testing.T, pt ProviderType) *atomic.Int64 {
	t.Helper()
	prev, hadPrev := providerConstructors[pt]
	var constructed atomic.Int64
	RegisterProvider(pt, func(cfg Config) (Provider, error) {
		constructed.Add(1)
		return &stubBackend{providerType: pt}, nil
	})
	t.Cleanup(func() {
		if hadPrev {
			providerConstructors[pt] = prev
		} else {
			delete(providerConstructors, pt)
		}
	})
	return &constructed
}

func TestAdapterForCachesBackend(t *testing.T) {
	constructed := registerStub(t, ProviderGitHub)
	a := NewAdapter(func(ProviderType) string { return "tok" }, "")

	first, err := a.For("https://github.com/octo/app.git")
	require.NoError(t, err)
	second, err := a.For("https://github.com/octo/other.git")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.EqualValues(t, 1, constructed.Load())
}

func TestAdapterForIsSafeForConcurrentUse(t *testing.T) {
	ghConstructed := registerStub(t, ProviderGitHub)
	glConstructed := registerStub(t, ProviderGitLab)
	a := NewAdapter(func(ProviderType) string { return "tok" }, "")

	// The supervisor and the watcher's parallel pollers share one
	// adapter, so For must withstand concurrent callers.
	var wg sync.WaitGroup
	errs := make([]error, 64)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url := fmt.Sprintf("https://github.com/octo/repo-%d.git", i)
			if i%2 == 0 {
				url = fmt.Sprintf("https://gitlab.com/octo/repo-%d.git", i)
			}
			_, errs[i] = a.For(url)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, ghConstructed.Load())
	assert.EqualValues(t, 1, glConstructed.Load())
}
