package gatewaychecker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/all4one/internal/adapter"
	"github.com/memohai/all4one/internal/healthcheck"
	"github.com/memohai/all4one/internal/onebot"
)

type fakeAccounts struct {
	items []adapter.ConnectionStatus
}

func (f *fakeAccounts) ConnectionStatuses() []adapter.ConnectionStatus { return f.items }

type fakeBots struct {
	items []onebot.Self
}

func (f *fakeBots) Bots() []onebot.Self { return f.items }

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCheckerListChecks(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	checker := NewChecker(newTestLogger(), &fakeAccounts{
		items: []adapter.ConnectionStatus{
			{AccountID: "tg-main", AdapterType: "telegram", Running: true, UpdatedAt: now},
			{AccountID: "dc-main", AdapterType: "discord", LastError: "connect timeout", UpdatedAt: now},
		},
	}, &fakeBots{items: []onebot.Self{{Platform: "telegram", UserID: "42"}}})

	items := checker.ListChecks(context.Background())
	require.Len(t, items, 3)

	assert.Equal(t, "gateway.account.dc-main", items[0].ID)
	assert.Equal(t, healthcheck.StatusError, items[0].Status)
	assert.Equal(t, "connect timeout", items[0].Detail)
	assert.Equal(t, "discord (dc-main)", items[0].Subtitle)

	assert.Equal(t, "gateway.account.tg-main", items[1].ID)
	assert.Equal(t, healthcheck.StatusOK, items[1].Status)

	assert.Equal(t, "gateway.bots", items[2].ID)
	assert.Equal(t, healthcheck.StatusOK, items[2].Status)
	assert.Equal(t, []string{"telegram/42"}, items[2].Metadata["bots"])
}

func TestCheckerWarnsWithoutBots(t *testing.T) {
	t.Parallel()

	checker := NewChecker(newTestLogger(), &fakeAccounts{
		items: []adapter.ConnectionStatus{{AccountID: "a", AdapterType: "console"}},
	}, &fakeBots{})

	items := checker.ListChecks(context.Background())
	require.Len(t, items, 2)
	assert.Equal(t, healthcheck.StatusWarn, items[1].Status)

	idle := NewChecker(newTestLogger(), &fakeAccounts{}, &fakeBots{})
	items = idle.ListChecks(context.Background())
	require.Len(t, items, 1)
	assert.Equal(t, healthcheck.StatusOK, items[0].Status)
}

func TestCheckerNilObserver(t *testing.T) {
	t.Parallel()

	items := NewChecker(nil, nil, &fakeBots{}).ListChecks(context.Background())
	require.Len(t, items, 1)
	assert.Equal(t, healthcheck.StatusWarn, items[0].Status)
	assert.Equal(t, "gateway.account.service", items[0].ID)
}

func TestBuildCheckID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "gateway.account.x", buildCheckID(" x ", 0))
	assert.Equal(t, "gateway.account.unknown_3", buildCheckID("", 2))
	assert.Equal(t, "qqguild (0123456789abcdef)", buildSubtitle("qqguild", "0123456789abcdefXYZ"))
	assert.Equal(t, "console", buildSubtitle("console", ""))
}
