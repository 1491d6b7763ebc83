package kv

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dGrid/cmd/util"
	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/ValentinKolb/dGrid/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for grid members",
		Long:    "Runs parallel single key transactions against a member. Write skew conflicts between concurrent writers of the same key are counted separately from other failures.",
		RunE:    run,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix        = "__test"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfSkip             = make([]string, 0)
)

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. put,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How large the value for the put-large test should be (in KB)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = max(viper.GetInt("keys"), 1)
	perfNumThreads = viper.GetInt("threads")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

// benchmark is one perf test: prepare fills the keys it reads, op is the measured call
type benchmark struct {
	name    string
	prepare bool
	op      func(ctx context.Context, key string, i int) error
}

// outcome is a benchmark result plus the failures observed while measuring it
type outcome struct {
	result    testing.BenchmarkResult
	conflicts int64
	failures  int64
}

func run(cmd *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for grid members")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	fmt.Println("starting tests...")

	largeValue := make([]byte, perfLargeValueSizeKB*1024)
	benchmarks := []benchmark{
		{name: "put", op: func(ctx context.Context, key string, _ int) error {
			return rpcCache.Put(ctx, key, []byte("test"), 0)
		}},
		{name: "put-large", op: func(ctx context.Context, key string, _ int) error {
			return rpcCache.Put(ctx, key, largeValue, 0)
		}},
		{name: "put-lifespan", op: func(ctx context.Context, key string, _ int) error {
			return rpcCache.Put(ctx, key, []byte("test"), time.Minute)
		}},
		{name: "get", prepare: true, op: func(ctx context.Context, key string, _ int) error {
			_, _, err := rpcCache.Get(ctx, key)
			return err
		}},
		{name: "remove", prepare: true, op: func(ctx context.Context, key string, _ int) error {
			return rpcCache.Remove(ctx, key)
		}},
		{name: "mixed", prepare: true, op: func(ctx context.Context, key string, i int) error {
			switch i % 3 {
			case 0:
				return rpcCache.Put(ctx, key, []byte("test"), 0)
			case 1:
				_, _, err := rpcCache.Get(ctx, key)
				return err
			default:
				return rpcCache.Remove(ctx, key)
			}
		}},
	}

	results := make(map[string]outcome, len(benchmarks))
	for _, bm := range benchmarks {
		if shouldSkip(bm.name) {
			results[bm.name] = outcome{}
			printResult(bm.name, outcome{})
			continue
		}
		o := runBenchmark(cmd.Context(), bm)
		results[bm.name] = o
		printResult(bm.name, o)
	}

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

func runBenchmark(ctx context.Context, bm benchmark) outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	var conflicts, failures atomic.Int64
	record := func(err error) {
		switch {
		case err == nil:
		case errs.Is(err, errs.RetCWriteSkewConflict):
			conflicts.Add(1)
		default:
			if failures.Add(1) == 1 {
				fmt.Printf("(%s) - first failure: %v\n", bm.name, err)
			}
		}
	}

	getKey, iter := getKeys(bm.name)
	if bm.prepare {
		iter(func(k string) { record(rpcCache.Put(ctx, k, []byte("test"), 0)) })
	}

	result := testing.Benchmark(func(b *testing.B) {
		// cleanup
		b.Cleanup(func() {
			iter(func(k string) { _ = rpcCache.Remove(ctx, k) })
		})

		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				record(bm.op(ctx, getKey(counter), counter))
				counter++
			}
		})
	})
	return outcome{result: result, conflicts: conflicts.Load(), failures: failures.Load()}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range perfSkip {
		if test == strings.TrimSpace(skip) {
			return true
		}
	}
	return false
}

// creates an array of test keys and functions to work with them
func getKeys(prefix string) (func(int) string, func(func(string))) {
	keys := make([]string, perfKeySpread)
	for i := 0; i < perfKeySpread; i++ {
		keys[i] = fmt.Sprintf("%s-%s-%d", perfKeyPrefix, prefix, i)
	}

	// Function to get a key by index (with wraparound)
	getKey := func(i int) string {
		return keys[i%perfKeySpread]
	}

	// Function to iterate over all keys and apply a function to each
	iterateKeys := func(fn func(string)) {
		for _, key := range keys {
			fn(key)
		}
	}

	return getKey, iterateKeys
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, o outcome) {
	if o.result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(o.result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\tconflicts: %d\tfailures: %d\n",
		test, nsPerOp, time.Duration(nsPerOp), opsPerSec, o.conflicts, o.failures)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]outcome, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped", "Conflicts", "Failures",
		"Endpoints", "TimeoutSec", "RetryCount", "ConnectionsPerEndpoint",
		"Serializer", "Transport",
		"Threads", "LargeValueSizeKB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, o := range results {
		var nsPerOp float64
		var opsPerSec float64
		skipped := "true"

		if o.result.NsPerOp() != 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(o.result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strconv.FormatInt(o.conflicts, 10),
			strconv.FormatInt(o.failures, 10),
			strings.Join(config.Transport.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.Transport.RetryCount),
			strconv.Itoa(config.Transport.ConnectionsPerEndpoint),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
