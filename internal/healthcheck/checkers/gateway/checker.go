package gatewaychecker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/memohai/all4one/internal/adapter"
	"github.com/memohai/all4one/internal/healthcheck"
	"github.com/memohai/all4one/internal/onebot"
)

const (
	checkTypeAccountConnection = "gateway.account"
	checkTypeBots              = "gateway.bots"
)

// AccountObserver reads runtime account connection statuses.
type AccountObserver interface {
	ConnectionStatuses() []adapter.ConnectionStatus
}

// BotObserver lists the bots currently registered with the gateway.
type BotObserver interface {
	Bots() []onebot.Self
}

// Checker reports one item per configured account plus an online bot summary.
type Checker struct {
	logger   *slog.Logger
	accounts AccountObserver
	bots     BotObserver
}

// NewChecker creates a gateway health checker.
func NewChecker(log *slog.Logger, accounts AccountObserver, bots BotObserver) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:   log.With(slog.String("checker", "healthcheck_gateway")),
		accounts: accounts,
		bots:     bots,
	}
}

// ListChecks evaluates account connections and bot registrations.
func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if err := ctx.Err(); err != nil {
		return []healthcheck.CheckResult{}
	}
	if c.accounts == nil || c.bots == nil {
		c.logger.Warn("gateway healthcheck dependency is unavailable")
		return []healthcheck.CheckResult{
			{
				ID:      checkTypeAccountConnection + ".service",
				Type:    checkTypeAccountConnection,
				Status:  healthcheck.StatusWarn,
				Summary: "Gateway checker service is not available.",
				Detail:  "observer is nil",
			},
		}
	}

	statuses := c.accounts.ConnectionStatuses()
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].AdapterType == statuses[j].AdapterType {
			return statuses[i].AccountID < statuses[j].AccountID
		}
		return statuses[i].AdapterType < statuses[j].AdapterType
	})

	checks := make([]healthcheck.CheckResult, 0, len(statuses)+1)
	for idx, status := range statuses {
		adapterType := strings.TrimSpace(status.AdapterType.String())
		if adapterType == "" {
			adapterType = "unknown"
		}
		item := healthcheck.CheckResult{
			ID:       buildCheckID(status.AccountID, idx),
			Type:     checkTypeAccountConnection,
			Subtitle: buildSubtitle(adapterType, status.AccountID),
			Status:   healthcheck.StatusError,
			Summary:  fmt.Sprintf("Account %s connection is down.", adapterType),
			Metadata: map[string]any{
				"account_id":   status.AccountID,
				"adapter_type": adapterType,
				"running":      status.Running,
			},
		}
		if status.UpdatedAt.Unix() > 0 {
			item.Metadata["updated_at"] = status.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		if status.Running {
			item.Status = healthcheck.StatusOK
			item.Summary = fmt.Sprintf("Account %s is connected.", adapterType)
		} else if strings.TrimSpace(status.LastError) != "" {
			item.Summary = fmt.Sprintf("Account %s connection failed.", adapterType)
			item.Detail = strings.TrimSpace(status.LastError)
		}
		checks = append(checks, item)
	}

	return append(checks, c.botsCheck(len(statuses)))
}

func (c *Checker) botsCheck(accounts int) healthcheck.CheckResult {
	bots := c.bots.Bots()
	names := make([]string, 0, len(bots))
	for _, self := range bots {
		names = append(names, self.Platform+"/"+self.UserID)
	}
	item := healthcheck.CheckResult{
		ID:       checkTypeBots,
		Type:     checkTypeBots,
		Status:   healthcheck.StatusOK,
		Summary:  fmt.Sprintf("%d bot(s) online.", len(bots)),
		Metadata: map[string]any{"bots": names},
	}
	if len(bots) == 0 && accounts > 0 {
		item.Status = healthcheck.StatusWarn
		item.Summary = "No bot is online."
	}
	return item
}

func buildCheckID(accountID string, idx int) string {
	accountID = strings.TrimSpace(accountID)
	if accountID != "" {
		return checkTypeAccountConnection + "." + accountID
	}
	return fmt.Sprintf("%s.unknown_%d", checkTypeAccountConnection, idx+1)
}

func buildSubtitle(adapterType, accountID string) string {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return adapterType
	}
	if len(accountID) > 16 {
		accountID = accountID[:16]
	}
	return adapterType + " (" + accountID + ")"
}
