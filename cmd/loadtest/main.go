// Команда loadtest гоняет сценарии чекаута против HTTP API сервиса аренды
// и печатает сводку по латентностям и кодам ответов.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/vladislavdragonenkov/rms/internal/auth"
	"github.com/vladislavdragonenkov/rms/internal/domain"
)

const (
	adminUserID   = int64(1)
	tokenTTL      = 24 * time.Hour
	scenarioLabel = "scenario"
)

type loadMode string

const (
	modeCheckout       loadMode = "checkout"
	modeCheckoutCancel loadMode = "checkout-cancel"
	modeCheckoutSettle loadMode = "checkout-settle"
)

type config struct {
	baseURL     string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	rps         float64
	timeout     time.Duration
	mode        loadMode
	cancelRate  int
	catalogID   int64
	location    string
	rentalDays  int
	// windowSpread: сколько разных окон аренды перебирают сценарии;
	// маленькое значение создаёт конкуренцию за единицы.
	windowSpread  int
	paymentMethod string
	userBase      int64
	jwtSecret     string
	jwtIssuer     string
	outputPath    string
}

func parseConfig(args []string, getenv func(string) string) (config, error) {
	var (
		cfg       config
		modeValue string
	)

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "HTTP API base URL")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios in count mode; with -duration only used when explicitly set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 20, "number of concurrent workers")
	fs.Float64Var(&cfg.rps, "rps", 0, "scenario start rate limit per second (0 = unlimited)")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&modeValue, "mode", string(modeCheckout), "load mode: checkout | checkout-cancel | checkout-settle")
	fs.IntVar(&cfg.cancelRate, "cancel-rate", 0, "cancel probability in percent for checkout mode (0..100)")
	fs.Int64Var(&cfg.catalogID, "catalog-id", 1, "catalog item to rent")
	fs.StringVar(&cfg.location, "location", "hanoi-center", "pickup location")
	fs.IntVar(&cfg.rentalDays, "days", 2, "rental length in days")
	fs.IntVar(&cfg.windowSpread, "window-spread", 365, "number of distinct rental windows")
	fs.StringVar(&cfg.paymentMethod, "payment-method", "cod", "payment method id")
	fs.Int64Var(&cfg.userBase, "user-base", 1000, "first customer id; scenario i uses user-base+i")
	fs.StringVar(&cfg.jwtSecret, "jwt-secret", "", "HMAC secret for tokens (fallback: RMS_JWT_SECRET)")
	fs.StringVar(&cfg.jwtIssuer, "jwt-issuer", "rms", "token issuer")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if strings.TrimSpace(cfg.jwtSecret) == "" {
		cfg.jwtSecret = strings.TrimSpace(getenv("RMS_JWT_SECRET"))
	}

	switch {
	case cfg.baseURL == "":
		return cfg, errors.New("url is required")
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.rps < 0:
		return cfg, errors.New("rps must be >= 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.cancelRate < 0 || cfg.cancelRate > 100:
		return cfg, errors.New("cancel-rate must be between 0 and 100")
	case cfg.catalogID <= 0:
		return cfg, errors.New("catalog-id must be > 0")
	case cfg.rentalDays <= 0:
		return cfg, errors.New("days must be > 0")
	case cfg.windowSpread <= 0:
		return cfg, errors.New("window-spread must be > 0")
	case cfg.userBase <= adminUserID:
		return cfg, fmt.Errorf("user-base must be > %d", adminUserID)
	case cfg.jwtSecret == "":
		return cfg, errors.New("jwt secret is required (-jwt-secret or RMS_JWT_SECRET)")
	}

	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modeCheckout, modeCheckoutCancel, modeCheckoutSettle:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

// runner выполняет сценарии против одного API.
type runner struct {
	cfg        config
	client     *http.Client
	issuer     *auth.JWTVerifier
	adminToken string
	runID      string
	baseDay    time.Time
	col        *collector
}

func newRunner(cfg config, client *http.Client, now time.Time) (*runner, error) {
	issuer := auth.NewJWTVerifier(cfg.jwtSecret, cfg.jwtIssuer)
	adminToken, err := issuer.Issue(adminUserID, domain.RoleAdmin, tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("issue admin token: %w", err)
	}
	return &runner{
		cfg:        cfg,
		client:     client,
		issuer:     issuer,
		adminToken: adminToken,
		runID:      fmt.Sprintf("%d-%d", now.UnixNano(), os.Getpid()),
		// окна начинаются с завтрашнего дня, чтобы не задевать текущие аренды
		baseDay: now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour),
		col:     newCollector(),
	}, nil
}

func (r *runner) window(index int) (time.Time, time.Time) {
	offset := time.Duration(index%r.cfg.windowSpread) * time.Duration(r.cfg.rentalDays) * 24 * time.Hour
	start := r.baseDay.Add(offset)
	return start, start.Add(time.Duration(r.cfg.rentalDays) * 24 * time.Hour)
}

type checkoutResult struct {
	Transaction struct {
		ID int64 `json:"id"`
	} `json:"transaction"`
	Rentals []struct {
		ID int64 `json:"id"`
	} `json:"rentals"`
}

// runScenario: доступность → чекаут → (отмена | решение администратора).
// 409 на чекауте: нормальный исход под конкуренцией и не считается ошибкой сценария.
func (r *runner) runScenario(ctx context.Context, index int) error {
	started := time.Now()
	scenarioStatus := http.StatusOK
	defer func() { r.col.record(scenarioLabel, time.Since(started), scenarioStatus) }()

	userID := r.cfg.userBase + int64(index)
	token, err := r.issuer.Issue(userID, domain.RoleCustomer, tokenTTL)
	if err != nil {
		scenarioStatus = http.StatusInternalServerError
		return err
	}
	start, end := r.window(index)

	query := url.Values{}
	query.Set("catalog_id", strconv.FormatInt(r.cfg.catalogID, 10))
	query.Set("location", r.cfg.location)
	query.Set("start", start.Format(time.RFC3339))
	query.Set("end", end.Format(time.RFC3339))
	if status, err := r.call(ctx, "Availability", http.MethodGet, "/availability?"+query.Encode(), "", nil, "", nil); err != nil {
		scenarioStatus = status
		return err
	}

	body := map[string]any{
		"payment_method": r.cfg.paymentMethod,
		"items": []map[string]any{{
			"catalog_id": r.cfg.catalogID,
			"quantity":   1,
			"location":   r.cfg.location,
			"start":      start.Format(time.RFC3339),
			"end":        end.Format(time.RFC3339),
		}},
	}
	var result checkoutResult
	key := fmt.Sprintf("lt-%s-%d", r.runID, index)
	status, err := r.call(ctx, "Checkout", http.MethodPost, "/checkout", token, body, key, &result)
	if status == http.StatusConflict {
		return nil
	}
	if err != nil {
		scenarioStatus = status
		return err
	}

	txPath := fmt.Sprintf("/transactions/%d", result.Transaction.ID)
	switch {
	case r.cfg.mode == modeCheckoutCancel || (r.cfg.mode == modeCheckout && shouldCancelScenario(index, r.cfg.cancelRate)):
		status, err = r.call(ctx, "CancelTransaction", http.MethodPost, txPath+"/cancel", token, nil, "", nil)
	case r.cfg.mode == modeCheckoutSettle:
		decision := "approve"
		if shouldCancelScenario(index, r.cfg.cancelRate) {
			decision = "reject"
		}
		status, err = r.call(ctx, "Settle", http.MethodPost, txPath+"/settle", r.adminToken, map[string]string{"decision": decision}, "", nil)
	}
	if err != nil {
		scenarioStatus = status
	}
	return err
}

// call выполняет запрос и пишет метрику; ответ 2xx декодируется в out.
func (r *runner) call(ctx context.Context, name, method, path, token string, body any, idempotencyKey string, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.cfg.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	started := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		r.col.record(name, time.Since(started), 0)
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	defer resp.Body.Close()
	r.col.record(name, time.Since(started), resp.StatusCode)

	if resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("%s: status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("%s: decode response: %w", name, err)
		}
	}
	return resp.StatusCode, nil
}

func shouldCancelScenario(index, cancelRate int) bool {
	if cancelRate <= 0 {
		return false
	}
	if cancelRate >= 100 {
		return true
	}
	return index%100 < cancelRate
}

// run раздаёт сценарии воркерам с учётом лимита скорости и возвращает отчёт.
func (r *runner) run(ctx context.Context) report {
	startedAt := time.Now()

	var limiter *rate.Limiter
	if r.cfg.rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.cfg.rps), 1)
	}

	jobs := make(chan int, r.cfg.concurrency*2)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dispatchJobs(gctx, jobs, r.cfg, limiter)
		return nil
	})
	for range r.cfg.concurrency {
		g.Go(func() error {
			for index := range jobs {
				// ошибка сценария уже учтена коллектором
				_ = r.runScenario(gctx, index)
			}
			return nil
		})
	}
	_ = g.Wait()

	result := r.col.snapshot(startedAt, time.Since(startedAt))
	result.Mode = string(r.cfg.mode)
	result.Target = runTarget(r.cfg)
	return result
}

func dispatchJobs(ctx context.Context, jobs chan<- int, cfg config, limiter *rate.Limiter) {
	defer close(jobs)

	if cfg.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.duration)
		defer cancel()
	}

	for i := 0; ; i++ {
		if (cfg.duration <= 0 || cfg.totalSet) && i >= cfg.total {
			return
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case jobs <- i:
		}
	}
}

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	r, err := newRunner(cfg, &http.Client{}, time.Now())
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	result := r.run(context.Background())
	printReport(os.Stdout, result)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if result.Failed > 0 {
		os.Exit(1)
	}
}
