// Command collabctl is a manual-exercise harness for the collab provider:
// it wires a real Gazette journal broker, a real etcd cluster, and a local
// SQLite offline queue together behind one provider and a toy in-memory
// CRDT document, then prints status/sync transitions as they occur. It is
// not part of the spec's contract — it exists to let a developer drive the
// provider against real backing services by hand.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/reeltake/collab/internal/auth"
	"github.com/reeltake/collab/internal/breaker"
	"github.com/reeltake/collab/internal/channel"
	"github.com/reeltake/collab/internal/codec"
	"github.com/reeltake/collab/internal/config"
	"github.com/reeltake/collab/internal/crdt/memdoc"
	"github.com/reeltake/collab/internal/factory"
	"github.com/reeltake/collab/internal/ops"
	"github.com/reeltake/collab/internal/provider"
	"github.com/reeltake/collab/internal/queue"
	"github.com/reeltake/collab/internal/updatelog"
	clientv3 "go.etcd.io/etcd/client/v3"
	pb "go.gazette.dev/core/broker/protocol"
	"google.golang.org/grpc"
)

type runOpts struct {
	Config      string   `long:"config" required:"t" description:"Path to the collab YAML config file"`
	EtcdHosts   []string `long:"etcd" default:"localhost:2379" description:"etcd endpoints"`
	BrokerAddr  string   `long:"broker" default:"localhost:8080" description:"Gazette broker gRPC address"`
	ProjectID   string   `long:"project" required:"t" description:"projectId to collaborate under"`
	DocumentID  string   `long:"document" required:"t" description:"documentId to collaborate on"`
	BearerToken string   `long:"token" description:"bearer token identifying the principal, if any"`
}

func (o *runOpts) Execute(args []string) error {
	cfg, err := config.Load(o.Config)
	if err != nil {
		return err
	}

	etcdCli, err := clientv3.New(clientv3.Config{Endpoints: o.EtcdHosts, DialTimeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("collabctl: dialing etcd: %w", err)
	}
	defer etcdCli.Close()

	conn, err := grpc.Dial(o.BrokerAddr, grpc.WithInsecure())
	if err != nil {
		return fmt.Errorf("collabctl: dialing broker: %w", err)
	}
	defer conn.Close()
	var rjc = pb.NewRoutedJournalClient(pb.NewJournalClient(conn), pb.NoopDispatchRouter{})

	var registry = prometheus.NewRegistry()
	var metrics = ops.NewMetrics(registry)
	var logger = ops.NewLocalLog(ops.Labels{ProjectID: o.ProjectID, DocumentID: o.DocumentID})

	var queuePath = cfg.QueuePath
	if queuePath == "" {
		queuePath = fmt.Sprintf("collab-%s-%s.db", o.ProjectID, o.DocumentID)
	}
	q, err := queue.Open(queuePath, cfg.QueueMaxAttempts())
	if err != nil {
		return err
	}
	defer q.Close()

	var breakers = breaker.NewSet(cfg.LoadInitialBreaker(), cfg.SubscribeBreaker(), cfg.PersistBreaker(), statusPrinter{}, metrics)

	var authSrc auth.Source
	if cfg.Auth.JWTSecret != "" {
		authSrc = auth.NewJWTSource([]byte(cfg.Auth.JWTSecret))
	}

	var doc = memdoc.New()

	p, err := factory.Create(context.Background(), factory.Deps{
		AuthSource:      authSrc,
		Log:             updatelog.New(rjc),
		Channel:         channel.New(etcdCli),
		Queue:           q,
		Breakers:        breakers,
		Codec:           codec.New(cfg.MinUpdateBytes()),
		CatchupPageSize: cfg.CatchupPageSize(),
		DrainInterval:   cfg.DrainInterval(),
		Logger:          logger,
		Metrics:         metrics,
	}, factory.Params{
		ProjectID:   o.ProjectID,
		DocumentID:  o.DocumentID,
		BearerToken: o.BearerToken,
		Doc:         doc,
		OnStatus:    func(s provider.Status) { printStatus(s) },
		OnSync:      func(s provider.SyncState) { printSync(s) },
		OnError:     func(err error) { color.Red("error: %v", err) },
	})
	if err != nil {
		return err
	}
	defer p.Destroy()

	color.Cyan("collabctl: type a line and press enter to emit a local update (ctrl-D to exit)")
	var scanner = bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var line = scanner.Text()
		if len(line) < codec.MinUpdateBytes-1 {
			line = line + string(make([]byte, codec.MinUpdateBytes-1-len(line)))
		}
		if err := doc.Emit(append([]byte{0x00}, []byte(line)...)); err != nil {
			color.Red("emit failed: %v", err)
		}
	}
	return scanner.Err()
}

func printStatus(s provider.Status) {
	switch s {
	case provider.StatusLive:
		color.Green("status: %s", s)
	case provider.StatusDegraded:
		color.Yellow("status: %s", s)
	case provider.StatusClosed:
		color.Red("status: %s", s)
	default:
		fmt.Println("status:", s)
	}
}

func printSync(s provider.SyncState) {
	color.Cyan("sync: %s", s)
}

type statusPrinter struct{}

func (statusPrinter) OnBreakerState(name breaker.Name, state breaker.State) {
	color.Magenta("breaker %s -> %s", name, state)
}

func main() {
	var opts runOpts
	if _, err := flags.Parse(&opts); err != nil {
		if _, ok := err.(*flags.Error); ok {
			os.Exit(1)
		}
		log.Fatal(err)
	}
	if err := opts.Execute(nil); err != nil {
		log.Fatal(err)
	}
}
