package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/authflow/otc"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func main() {
	var (
		emails      = flag.Int("emails", 20000, "number of addresses to issue codes for")
		concurrency = flag.Int("concurrency", 256, "number of concurrent workers")
		racers      = flag.Int("racers", 8, "concurrent verifiers per code in the race phase")
		ops         = flag.Int("ops", 100000, "wrong-guess verifications in the mismatch phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "otc-load", "code key prefix")
	)
	flag.Parse()

	if *emails <= 0 || *concurrency <= 0 || *racers <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "emails, concurrency, racers, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	svc, err := otc.NewService(otc.NewRedisStore(client, *prefix), nil, otc.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "code service: %v\n", err)
		os.Exit(1)
	}

	addrs := make([]string, *emails)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("load-%d@example.com", i)
	}

	codes, issueStats := runIssuePhase(ctx, svc, addrs, *concurrency)
	mismatchStats := runMismatchPhase(ctx, svc, addrs, codes, *ops, *concurrency)
	raceStats, violations := runRacePhase(ctx, svc, addrs, codes, *racers, *concurrency)

	fmt.Println("---- results ----")
	printStats("issue", issueStats)
	printStats("mismatch", mismatchStats)
	printStats("race", raceStats)
	if violations > 0 {
		fmt.Fprintf(os.Stderr, "%d codes were accepted more than once or not at all\n", violations)
		os.Exit(1)
	}
	fmt.Println("every code was consumed exactly once")
}

func runIssuePhase(ctx context.Context, svc *otc.Service, addrs []string, concurrency int) ([]string, phaseStats) {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		codes     = make([]string, len(addrs))
		latencies = make([]time.Duration, 0, len(addrs))
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= len(addrs) {
					return
				}
				t0 := time.Now()
				code, err := svc.Issue(ctx, addrs[i])
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				codes[i] = code
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return codes, computeStats(time.Since(start), latencies, failures)
}

// runMismatchPhase sends wrong guesses; every one must be rejected as a
// mismatch and leave the code in place.
func runMismatchPhase(ctx context.Context, svc *otc.Service, addrs, codes []string, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				idx := r.Intn(len(addrs))
				guess := wrongGuess(codes[idx])
				t0 := time.Now()
				err := svc.Verify(ctx, addrs[idx], guess)
				d := time.Since(t0)
				if !errors.Is(err, otc.ErrCodeMismatch) {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

// runRacePhase verifies every code from racers goroutines at once and counts
// the codes that were not accepted exactly once.
func runRacePhase(ctx context.Context, svc *otc.Service, addrs, codes []string, racers, concurrency int) (phaseStats, int64) {
	var (
		wg         sync.WaitGroup
		cursor     int64
		failures   int64
		violations int64
		latencies  = make([]time.Duration, 0, len(addrs)*racers)
		mu         sync.Mutex
	)

	workers := concurrency / racers
	if workers < 1 {
		workers = 1
	}

	start := time.Now()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= len(addrs) {
					return
				}
				if codes[i] == "" {
					continue
				}

				var (
					race     sync.WaitGroup
					accepted int64
					gate     = make(chan struct{})
				)
				for r := 0; r < racers; r++ {
					race.Add(1)
					go func() {
						defer race.Done()
						<-gate
						t0 := time.Now()
						err := svc.Verify(ctx, addrs[i], codes[i])
						d := time.Since(t0)
						switch {
						case err == nil:
							atomic.AddInt64(&accepted, 1)
						case errors.Is(err, otc.ErrNoCodeFound):
						default:
							atomic.AddInt64(&failures, 1)
						}
						mu.Lock()
						latencies = append(latencies, d)
						mu.Unlock()
					}()
				}
				close(gate)
				race.Wait()

				if accepted != 1 {
					atomic.AddInt64(&violations, 1)
				}
			}
		}()
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures), violations
}

func wrongGuess(code string) string {
	b := []byte(code)
	if len(b) == 0 {
		return "000000"
	}
	b[0] = '0' + (b[0]-'0'+1)%10
	return string(b)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total, failures: failures}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
