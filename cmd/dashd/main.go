// Command dashd is the demo binary for the runtime: it stands up one
// unit of a team (a libp2p host, a scheduler Runtime, a dependency
// engine, a transport, and a copy-in manager), optionally dials a
// sibling unit's --peer, and drives a small producer/consumer DAG that
// exercises a local RAW dependency and, when peers are configured, a
// remote one over the transport.
//
// Grounded on cmd/lotus-seal-worker/main.go's urfave/cli App shape
// (Name/Usage/Version/Flags/Commands, app.Run(os.Args)) and
// cmd/crand/main.go's single "serve"-style command with Action as a
// closure over cctx.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/peer"
	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"go.opencensus.io/stats/view"
	"golang.org/x/xerrors"

	"github.com/RuhanDev/dash/config"
	"github.com/RuhanDev/dash/copyin"
	"github.com/RuhanDev/dash/deps"
	"github.com/RuhanDev/dash/gptr"
	"github.com/RuhanDev/dash/metrics"
	"github.com/RuhanDev/dash/sched"
	"github.com/RuhanDev/dash/task"
	"github.com/RuhanDev/dash/transport"
)

var log = logging.Logger("dashd")

func main() {
	logging.SetLogLevel("*", "INFO")
	logging.SetLogLevel("swarm2", "WARN")

	if err := view.Register(metrics.DefaultViews...); err != nil {
		log.Errorw("registering metrics views", "err", err)
		os.Exit(1)
	}

	app := &cli.App{
		Name:  "dashd",
		Usage: "run one unit of a dash task-parallel runtime team",
		Flags: []cli.Flag{
			&cli.UintFlag{Name: "unit", Usage: "this process's unit id within the team", Value: 0},
			&cli.StringFlag{Name: "listen", Usage: "libp2p listen multiaddr", Value: "/ip4/127.0.0.1/tcp/0"},
			&cli.StringSliceFlag{Name: "peer", Usage: "sibling unit in unit@multiaddr form, repeatable"},
			&cli.StringFlag{Name: "config", Usage: "TOML runtime config path"},
			&cli.DurationFlag{Name: "settle", Usage: "how long to wait for peers to connect before running the demo DAG", Value: 2 * time.Second},
			&cli.IntFlag{Name: "utility-threads", Usage: "off-pool utility threads dedicated to transport polling"},
		},
		Action: runDemo,
	}

	if err := app.Run(os.Args); err != nil {
		log.Errorw("dashd exited with error", "err", err)
		os.Exit(1)
	}
}

func runDemo(cctx *cli.Context) error {
	ctx := context.Background()
	self := gptr.UnitID(cctx.Uint("unit"))

	cfg := config.Default()
	if p := cctx.String("config"); p != "" {
		loaded, err := config.FromFile(p)
		if err != nil {
			return xerrors.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}
	cfg.WithEnv()
	if n := cctx.Int("utility-threads"); n > 0 {
		cfg.Threading.UtilityThreads = n
	}

	h, err := libp2p.New(libp2p.ListenAddrStrings(cctx.String("listen")))
	if err != nil {
		return xerrors.Errorf("starting libp2p host: %w", err)
	}
	defer h.Close()

	peers := map[gptr.UnitID]peer.ID{}
	for _, spec := range cctx.StringSlice("peer") {
		unit, ai, err := parsePeer(spec)
		if err != nil {
			return err
		}
		h.Peerstore().AddAddrs(ai.ID, ai.Addrs, time.Hour)
		peers[unit] = ai.ID
		if err := h.Connect(ctx, *ai); err != nil {
			log.Warnw("failed to dial peer at startup, will retry lazily on first use", "unit", unit, "err", err)
		}
	}

	for _, a := range h.Addrs() {
		log.Infow("listening", "unit", self, "addr", fmt.Sprintf("%s/p2p/%s", a, h.ID()))
	}

	rt := sched.New(cfg, self)
	rt.Start()
	defer rt.Close()

	tr := transport.New(h, self, peers, rt.Phase(), cfg.AMsgQ)
	tr.SetEngine(rt.Deps())
	rt.SetTransport(tr)

	for i := 0; i < cfg.Threading.UtilityThreads; i++ {
		rt.SpawnUtilityThread(rt.TransportPollFn(time.Duration(cfg.Threading.UtilityPollInterval)), nil)
	}

	segs := newMemSegments()
	tr.SetSegmentSource(segs)

	mgr := copyin.New(strconv.FormatUint(uint64(self), 10), cfg.Copyin, rt.Deps(), rt, rt.WaitList(), 32)
	mgr.SetGetter(tr)
	mgr.SetSendRecver(tr)

	segs.Register(1, make([]byte, 64))

	root := rt.CreateRoot(func(task.Yielder, interface{}) error { return nil }, nil)

	key := gptr.Ptr{Segment: 1, Unit: self, Offset: 0}
	_, err = rt.CreateTask(root, -1, func(task.Yielder, interface{}) error {
		payload := []byte(fmt.Sprintf("hello from unit %d", self))
		return segs.WriteAt(key, payload)
	}, nil, []deps.Descriptor{{Type: deps.KindOut, GPtr: key}}, task.PriorityDefault, 0)
	if err != nil {
		return xerrors.Errorf("creating producer task: %w", err)
	}

	_, err = rt.CreateTask(root, -1, func(task.Yielder, interface{}) error {
		out := make([]byte, 64)
		if err := segs.ReadAt(key, out); err != nil {
			return err
		}
		log.Infow("consumer observed producer's write", "unit", self, "data", string(out))
		return nil
	}, nil, []deps.Descriptor{{Type: deps.KindIn, GPtr: key}}, task.PriorityDefault, 0)
	if err != nil {
		return xerrors.Errorf("creating consumer task: %w", err)
	}

	if len(peers) > 0 {
		log.Infow("waiting for peer connections to settle", "timeout", cctx.Duration("settle"))
		time.Sleep(cctx.Duration("settle"))

		for unit := range peers {
			remoteKey := gptr.Ptr{Segment: 1, Unit: unit, Offset: 0}
			u := unit
			_, err := rt.CreateTask(root, -1, func(task.Yielder, interface{}) error {
				buf := make([]byte, 64)
				h, err := tr.Get(ctx, remoteKey, buf)
				if err != nil {
					return xerrors.Errorf("remote get from unit %d: %w", u, err)
				}
				if err := h.Wait(ctx); err != nil {
					return xerrors.Errorf("remote get from unit %d failed: %w", u, err)
				}
				log.Infow("fetched remote unit's segment", "unit", self, "from", u, "data", string(buf))
				return nil
			}, nil, nil, task.PriorityDefault, 0)
			if err != nil {
				return xerrors.Errorf("creating remote-get task for unit %d: %w", u, err)
			}
		}
	}

	if err := rt.TaskComplete(root, len(peers) == 0); err != nil {
		return xerrors.Errorf("task_complete: %w", err)
	}

	log.Infow("demo DAG complete", "unit", self)
	return nil
}
