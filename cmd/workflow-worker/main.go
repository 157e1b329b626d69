// Command workflow-worker runs a worker process hosting the tenant_switch
// workflow (spec.md §8 S1/S2) against Postgres-backed history and a
// Redis-backed task queue, then drives one example execution through the
// client API end to end, demonstrating the gateway's synchronous-start
// pattern (spec.md §4.6: start, then get_result(blocking=true)).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/adx-core/woc/activity"
	"github.com/adx-core/woc/client"
	"github.com/adx-core/woc/internal/common/metrics"
	"github.com/adx-core/woc/internal/config"
	"github.com/adx-core/woc/internal/core"
	"github.com/adx-core/woc/internal/eventlog/postgres"
	taskqueueredis "github.com/adx-core/woc/internal/taskqueue/redis"
	"github.com/adx-core/woc/internal/versioning"
	"github.com/adx-core/woc/worker"
	"github.com/adx-core/woc/workflow"
)

const taskQueueName = "tenant-ops"

func main() {
	configPath := flag.String("config", "", "path to a worker config YAML file (defaults baked in if omitted)")
	userID := flag.String("user-id", "U1", "user_id input for the demo tenant_switch execution")
	fromTenant := flag.String("from", "TA", "tenant the user is switching from")
	toTenant := flag.String("to", "TB", "tenant the user is switching to")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	scope := metrics.NewTaggedScope(tally.NoopScope)

	store, err := postgres.Open(cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("open postgres event log", zap.Error(err))
	}

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     firstOr(cfg.Redis.Addrs, "localhost:6379"),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	queue := taskqueueredis.New(redisClient)

	w := worker.New(taskQueueName, worker.Options{
		Store:        store,
		Queue:        queue,
		Logger:       logger,
		MetricsScope: scope,
	})
	registerTenantSwitch(w)

	if err := w.Start(); err != nil {
		logger.Fatal("start worker", zap.Error(err))
	}
	defer w.Stop()

	c := client.New(client.Options{
		Store: store, Queue: queue, Engine: w.Engine(), Logger: logger, Scope: scope,
	})

	workflowID := fmt.Sprintf("tenant-switch-%s-%d", *userID, time.Now().Unix())
	ctx := context.Background()
	runID, err := c.Start(ctx, workflowID, "tenant_switch", tenantSwitchInput{
		UserID: *userID, From: *fromTenant, To: *toTenant,
	}, client.StartOptions{TaskQueue: taskQueueName, Version: "1.0.0"})
	if err != nil {
		logger.Fatal("start workflow", zap.Error(err))
	}
	logger.Info("workflow started", zap.String("workflow_id", workflowID), zap.String("run_id", runID))

	result, err := c.GetResult(ctx, workflowID, true, 30*time.Second)
	if err != nil {
		logger.Error("workflow failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("workflow completed", zap.Any("result", result))
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		if err := zcfg.Level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, err
		}
	}
	return zcfg.Build()
}

func firstOr(addrs []string, def string) string {
	if len(addrs) > 0 {
		return addrs[0]
	}
	return def
}

// tenantSwitchInput is the tenant_switch workflow's input (spec.md §8 S1).
type tenantSwitchInput struct {
	UserID string
	From   string
	To     string
}

// tenantSwitchResult is the workflow's successful output.
type tenantSwitchResult struct {
	NewSession string
}

// TenantDataLoadFailedError marks load_tenant_data failures non-retryable
// (spec.md §8 S2), the activity error type whose %T the retry policy below
// matches against.
type TenantDataLoadFailedError struct {
	TenantID string
}

func (e *TenantDataLoadFailedError) Error() string {
	return fmt.Sprintf("failed to load tenant data for %s", e.TenantID)
}

func registerTenantSwitch(w worker.Worker) {
	retry := core.RetryPolicy{
		InitialInterval:        500 * time.Millisecond,
		BackoffCoefficient:     2.0,
		MaxInterval:            30 * time.Second,
		MaxAttempts:            5,
		NonRetryableErrorKinds: []string{"*main.TenantDataLoadFailedError"},
	}

	w.RegisterActivity("check_permissions", checkPermissions, worker.RegisterActivityOptions{DefaultRetry: retry})
	w.RegisterActivity("update_user_tenant", updateUserTenant, worker.RegisterActivityOptions{DefaultRetry: retry})
	w.RegisterActivity("create_session", createSession, worker.RegisterActivityOptions{DefaultRetry: retry})
	w.RegisterActivity("load_tenant_data", loadTenantData, worker.RegisterActivityOptions{DefaultRetry: retry})
	w.RegisterActivity("invalidate_session", invalidateSession, worker.RegisterActivityOptions{DefaultRetry: retry})
	w.RegisterActivity("restore_user_tenant", restoreUserTenant, worker.RegisterActivityOptions{DefaultRetry: retry})
	w.RegisterActivity("rollback_session", rollbackSession, worker.RegisterActivityOptions{DefaultRetry: retry})

	w.RegisterWorkflow("tenant_switch", tenantSwitchWorkflow, worker.RegisterWorkflowOptions{
		DefaultVersion: versioning.MustParse("1.0.0"),
		Changes:        versioning.NewChangeRegistry(),
	})
}

// tenantSwitchWorkflow implements spec.md §8 S1/S2 end to end: it switches
// a user's active tenant, registering a compensation after each activity
// that mutated state, so a downstream failure unwinds in reverse order.
func tenantSwitchWorkflow(ctx workflow.Context, rawInput interface{}) (interface{}, error) {
	var input tenantSwitchInput
	if err := workflow.DecodeInput(rawInput, &input); err != nil {
		return nil, fmt.Errorf("tenant_switch: decode input: %w", err)
	}

	opts := workflow.ActivityOptions{Timeouts: core.ActivityTimeouts{StartToClose: 10 * time.Second}}

	var allowed bool
	if err := workflow.ExecuteActivity(ctx, "check_permissions", input, opts).Get(ctx, &allowed); err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("tenant_switch: user %s not permitted to switch to %s", input.UserID, input.To)
	}

	if err := workflow.ExecuteActivity(ctx, "update_user_tenant", input, opts).Get(ctx, nil); err != nil {
		return nil, err
	}
	workflow.RegisterCompensation(ctx, "restore_user_tenant", input, core.DefaultRetryPolicy())

	var newSession string
	if err := workflow.ExecuteActivity(ctx, "create_session", input, opts).Get(ctx, &newSession); err != nil {
		return nil, err
	}
	workflow.RegisterCompensation(ctx, "rollback_session", newSession, core.DefaultRetryPolicy())

	if err := workflow.ExecuteActivity(ctx, "load_tenant_data", input, opts).Get(ctx, nil); err != nil {
		return nil, err
	}

	if err := workflow.ExecuteActivity(ctx, "invalidate_session", input, opts).Get(ctx, nil); err != nil {
		return nil, err
	}

	return tenantSwitchResult{NewSession: newSession}, nil
}

func checkPermissions(ctx context.Context, input interface{}) (interface{}, error) {
	_ = input
	return true, nil
}

func updateUserTenant(ctx context.Context, input interface{}) (interface{}, error) {
	return nil, nil
}

func createSession(ctx context.Context, input interface{}) (interface{}, error) {
	var in tenantSwitchInput
	if err := activity.DecodeInput(input, &in); err != nil {
		return nil, err
	}
	return fmt.Sprintf("session-for-%s", in.UserID), nil
}

func loadTenantData(ctx context.Context, input interface{}) (interface{}, error) {
	var in tenantSwitchInput
	if err := activity.DecodeInput(input, &in); err != nil {
		return nil, err
	}
	// Demo failure path: switching into tenant "TB-unavailable" always fails
	// to exercise the compensation sequence of spec.md §8 S2. A real handler
	// would call the tenant data service.
	if in.To == "TB-unavailable" {
		return nil, &TenantDataLoadFailedError{TenantID: in.To}
	}
	return nil, nil
}

func invalidateSession(ctx context.Context, input interface{}) (interface{}, error) {
	return nil, nil
}

func restoreUserTenant(ctx context.Context, input interface{}) (interface{}, error) {
	return nil, nil
}

func rollbackSession(ctx context.Context, input interface{}) (interface{}, error) {
	return nil, nil
}
