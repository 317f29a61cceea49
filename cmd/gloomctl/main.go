// gloomctl builds, queries and verifies persisted gloomstore filters.
//
// Usage:
//
//	gloomctl [storage flags] seed    -name users -items 1000000 -rate 0.01 < keys.txt
//	gloomctl [storage flags] check   -name users -items 1000000 -rate 0.01 alice bob
//	gloomctl [storage flags] inspect [-items 1000000 -rate 0.01] users
//
// Storage flags select where filters live:
//
//	-dir path              local directory (default ".")
//	-s3-bucket bucket      Amazon S3, credentials from the default AWS chain
//	-minio-endpoint host   MinIO, credentials from MINIO_ACCESS_KEY/MINIO_SECRET_KEY
//	-bucket name           bucket for MinIO
//	-prefix prefix         key prefix for object stores
//	-compress zstd|lz4     compress saved filters
//
// seed reads newline-separated keys from stdin (or -input) and saves the
// filter. check prints one "key<TAB>true|false" line per key and exits 1 if
// any key is absent. inspect verifies the header and checksum of stored
// objects without loading them into a filter; with -items and -rate it also
// verifies the configuration fingerprint.
//
// Exit codes: 0 success, 1 negative result (absent key, corrupt object),
// 2 usage or runtime error.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jcalabro/gloomstore"
	"github.com/jcalabro/gloomstore/storage/compress"
	"github.com/jcalabro/gloomstore/storage/filestore"
	"github.com/jcalabro/gloomstore/storage/miniostore"
	"github.com/jcalabro/gloomstore/storage/s3store"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	exitOK       = 0
	exitNegative = 1
	exitError    = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type storageFlags struct {
	dir      string
	s3Bucket string
	endpoint string
	bucket   string
	prefix   string
	secure   bool
	compress string
}

func (sf *storageFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&sf.dir, "dir", ".", "local directory holding filters")
	fs.StringVar(&sf.s3Bucket, "s3-bucket", "", "store filters in this S3 bucket")
	fs.StringVar(&sf.endpoint, "minio-endpoint", "", "store filters in MinIO at host:port")
	fs.StringVar(&sf.bucket, "bucket", "filters", "MinIO bucket")
	fs.StringVar(&sf.prefix, "prefix", "", "object key prefix")
	fs.BoolVar(&sf.secure, "minio-tls", false, "use TLS for MinIO")
	fs.StringVar(&sf.compress, "compress", "none", "compression for saves: none, lz4 or zstd")
}

func (sf *storageFlags) open(ctx context.Context) (gloomstore.Storage, error) {
	alg, err := compress.ParseAlgorithm(sf.compress)
	if err != nil {
		return nil, err
	}

	var store gloomstore.Storage
	switch {
	case sf.s3Bucket != "":
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		store = s3store.New(s3.NewFromConfig(cfg), sf.s3Bucket, sf.prefix)
	case sf.endpoint != "":
		client, err := minio.New(sf.endpoint, &minio.Options{
			Creds:  credentials.NewEnvMinio(),
			Secure: sf.secure,
		})
		if err != nil {
			return nil, fmt.Errorf("minio client: %w", err)
		}
		ms := miniostore.New(client, sf.bucket, sf.prefix)
		if err := ms.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("ensure bucket %q: %w", sf.bucket, err)
		}
		store = ms
	default:
		local, err := filestore.New(sf.dir)
		if err != nil {
			return nil, err
		}
		store = local
	}

	// Wrapped even for "none" so compressed objects stay readable.
	return compress.New(store, alg), nil
}

type filterFlags struct {
	name      string
	items     int64
	rate      float64
	seed      int64
	threshold int64
}

func (ff *filterFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&ff.name, "name", "", "filter name")
	fs.Int64Var(&ff.items, "items", 0, "expected number of items")
	fs.Float64Var(&ff.rate, "rate", 0.01, "target false positive rate")
	fs.Int64Var(&ff.seed, "hash-seed", 0, "hash seed")
	fs.Int64Var(&ff.threshold, "shard-threshold", 0, "shard filters larger than this many bytes (0 disables)")
}

func (ff *filterFlags) config() gloomstore.Config {
	cfg := gloomstore.DefaultConfig(ff.name, ff.items, ff.rate)
	cfg.HashSeed = ff.seed
	cfg.ShardingThresholdBytes = ff.threshold
	// A CLI run has no item source to recover from.
	cfg.AutoReseed = false
	return cfg
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: gloomctl [storage flags] <seed|check|inspect> [flags] [args]")
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("gloomctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	var sf storageFlags
	sf.register(global)
	verbose := global.Bool("v", false, "verbose logging")
	if err := global.Parse(args); err != nil {
		return exitError
	}
	if global.NArg() == 0 {
		usage(stderr)
		return exitError
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := gloomstore.NewLogger(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	store, err := sf.open(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "gloomctl: %v\n", err)
		return exitError
	}

	cmd, rest := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "seed":
		err = runSeed(ctx, store, log, rest, stdin, stdout, stderr)
	case "check":
		var absent bool
		absent, err = runCheck(ctx, store, log, rest, stdin, stdout, stderr)
		if err == nil && absent {
			return exitNegative
		}
	case "inspect":
		var bad bool
		bad, err = runInspect(ctx, store, rest, stdout, stderr)
		if err == nil && bad {
			return exitNegative
		}
	default:
		usage(stderr)
		return exitError
	}

	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "gloomctl %s: %v\n", cmd, err)
		}
		return exitError
	}
	return exitOK
}

func runSeed(ctx context.Context, store gloomstore.Storage, log *gloomstore.Logger, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var ff filterFlags
	ff.register(fs)
	input := fs.String("input", "-", "file with one key per line (- for stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	in := stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	cfg := ff.config()
	m := gloomstore.NewManager(store,
		gloomstore.WithLogger(log),
		gloomstore.WithSeedProgress(1_000_000, 10*time.Second),
	)
	defer m.Close(context.WithoutCancel(ctx))

	if err := m.Register(cfg); err != nil {
		return err
	}
	start := time.Now()
	n, err := m.Seeder().Seed(ctx, cfg.Name, gloomstore.Lines(in))
	if err != nil {
		return err
	}

	st, err := m.Stats(cfg.Name)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "seeded %s: %d items in %s, %d shards, %d bytes, fill %.4f, est. fp rate %.6f\n",
		cfg.Name, n, time.Since(start).Round(time.Millisecond), st.Shards, st.SizeInBytes, st.FillRatio, st.EstimatedFalsePositiveRate)
	return nil
}

func runCheck(ctx context.Context, store gloomstore.Storage, log *gloomstore.Logger, args []string, stdin io.Reader, stdout, stderr io.Writer) (absent bool, err error) {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var ff filterFlags
	ff.register(fs)
	if err := fs.Parse(args); err != nil {
		return false, err
	}

	cfg := ff.config()
	m := gloomstore.NewManager(store, gloomstore.WithLogger(log))
	defer m.Close(context.WithoutCancel(ctx))

	h, err := m.Open(ctx, cfg)
	if err != nil {
		return false, err
	}

	check := func(key []byte) {
		ok := h.Contains(key)
		absent = absent || !ok
		fmt.Fprintf(stdout, "%s\t%t\n", key, ok)
	}

	if fs.NArg() > 0 {
		for _, key := range fs.Args() {
			check([]byte(key))
		}
		return absent, nil
	}
	for key, err := range gloomstore.Lines(stdin) {
		if err != nil {
			return absent, err
		}
		check(key)
	}
	return absent, nil
}

// inspectResult describes one stored object.
type inspectResult struct {
	Name   string
	Header gloomstore.Header
	Err    error
}

func runInspect(ctx context.Context, store gloomstore.Storage, args []string, stdout, stderr io.Writer) (bad bool, err error) {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var ff filterFlags
	ff.register(fs)
	if err := fs.Parse(args); err != nil {
		return false, err
	}
	if fs.NArg() == 0 {
		return false, errors.New("no object names given")
	}

	var want *gloomstore.Config
	if ff.items > 0 {
		cfg := ff.config()
		want = &cfg
	}

	for _, name := range fs.Args() {
		res := inspect(ctx, store, name, want)
		if res.Err != nil {
			bad = true
			fmt.Fprintf(stdout, "%s\tINVALID\t%v\n", name, res.Err)
			continue
		}
		h := res.Header
		fmt.Fprintf(stdout, "%s\tOK\tversion=%d bits=%d k=%d bytes=%d fingerprint=0x%016x checksum=0x%016x\n",
			name, h.Version, h.SizeInBits, h.HashCount, h.BodyLen(), h.Fingerprint, h.Checksum)
	}
	return bad, nil
}

// inspect streams one stored object through the decoder and recomputes its
// checksum. Missing objects and I/O failures are reported in Err like
// corruption.
func inspect(ctx context.Context, store gloomstore.Storage, name string, want *gloomstore.Config) inspectResult {
	res := inspectResult{Name: name}

	rc, err := store.Load(ctx, name)
	if err != nil {
		res.Err = err
		return res
	}
	defer rc.Close()

	h, body, err := gloomstore.Decode(rc)
	if err != nil {
		res.Err = err
		return res
	}
	res.Header = h

	fingerprint := h.Fingerprint
	if want != nil {
		fingerprint = want.Fingerprint()
	}
	// Reject a foreign configuration before allocating for its body.
	if err := gloomstore.Validate(h, h.Checksum, fingerprint); err != nil {
		res.Err = err
		return res
	}

	dst := gloomstore.NewBitStore(h.SizeInBits, nil)
	defer dst.Release()
	sum, err := gloomstore.ReadBody(h, body, dst)
	if err != nil {
		res.Err = err
		return res
	}

	res.Err = gloomstore.Validate(h, sum, fingerprint)
	return res
}
