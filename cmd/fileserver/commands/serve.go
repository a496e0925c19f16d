package commands

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/coreshare/fileserver/internal/codec"
	"github.com/coreshare/fileserver/internal/config"
	"github.com/coreshare/fileserver/internal/localfs"
	"github.com/coreshare/fileserver/internal/logger"
	"github.com/coreshare/fileserver/internal/metrics"
	"github.com/coreshare/fileserver/internal/netserver"
	"github.com/coreshare/fileserver/internal/notify"
	"github.com/coreshare/fileserver/internal/pool"
	"github.com/coreshare/fileserver/internal/rpc/mount"
	"github.com/coreshare/fileserver/internal/rpc/portmap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start listening on the configured SMB, MOUNT, and portmap endpoints",
	RunE:  runServe,
}

// smbOperationDispatcher is the seam where the SMB dialect state machine
// (session-setup, tree-connect, per-op handlers) would plug in. That state
// machine is an external collaborator whose body this repository does not
// implement; runServe wires a stub that logs every frame it receives and
// returns no reply, so the wire-level session/request plane (the part this
// repository does implement) has something to exercise end to end.
func smbOperationDispatcher(_ *netserver.Session, payload []byte) ([]byte, error) {
	logger.Debug("smb: frame received, no operation dispatcher wired", "bytes", len(payload))
	return nil, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := pool.New(pool.Config{
		SmallSize:      cfg.Pool.SmallSize,
		MediumSize:     cfg.Pool.MediumSize,
		LargeSize:      cfg.Pool.LargeSize,
		MaxOverSized:   cfg.Pool.MaxOverSized,
		OverSizedQuota: cfg.Pool.OverSizedQuota,
	})

	notifyRegistry := notify.NewRegistry(256)
	defer notifyRegistry.CloseAll()

	promReg := prometheus.NewRegistry()
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(promReg)
	}
	p.SetMetrics(m)

	exports, err := cfg.Mounts.ToExports()
	if err != nil {
		return fmt.Errorf("configure exports: %w", err)
	}
	mountRegistry := mount.NewRegistry(exports)
	mountServer := mount.NewServer(mountRegistry)
	mountServer.SetMetrics(m)

	for _, export := range exports {
		dispatcher := notifyRegistry.DispatcherFor(export.Path)
		watcher, werr := localfs.New(export.Path, export.Path, dispatcher)
		if werr != nil {
			logger.Warn("localfs: failed to watch export, change notifications disabled for it", "path", export.Path, "error", werr)
			continue
		}
		go watcher.Run(ctx)
		go func(w *localfs.Watcher) {
			<-ctx.Done()
			w.Close()
		}(watcher)
	}

	portmapRegistry := portmap.NewRegistry()
	portmapServer := portmap.NewServer(portmapRegistry)
	portmapServer.SetMetrics(m)
	if port, ok := portFromAddr(cfg.Network.PortmapAddr); ok {
		portmapRegistry.RegisterSelf(port)
	}
	if port, ok := portFromAddr(cfg.Network.MountAddr); ok {
		portmapRegistry.Set(portmap.Mapping{Program: mount.Program, Version: mount.Version3, Protocol: portmap.ProtoTCP, Port: uint32(port)})
	}

	mountDispatch := func(session *netserver.Session, payload []byte) ([]byte, error) {
		host, ip := clientHostAndIP(session)
		reply, err := mountServer.Handle(host, ip, payload)
		if err != nil {
			logger.Warn("mount: dispatch error", "error", err)
		}
		return reply, err
	}
	portmapDispatch := func(_ *netserver.Session, payload []byte) ([]byte, error) {
		reply, err := portmapServer.Handle(payload)
		if err != nil {
			logger.Warn("portmap: dispatch error", "error", err)
		}
		return reply, err
	}

	netbiosHandler := netserver.NewConnectionsHandler(cfg.Handlers.MaxSessionsPerHandler, cfg.Handlers.DispatchSlotsPerHandler, smbOperationDispatcher, p)
	directSMBHandler := netserver.NewConnectionsHandler(cfg.Handlers.MaxSessionsPerHandler, cfg.Handlers.DispatchSlotsPerHandler, smbOperationDispatcher, p)
	mountHandler := netserver.NewConnectionsHandler(cfg.Handlers.MaxSessionsPerHandler, cfg.Handlers.DispatchSlotsPerHandler, mountDispatch, p)
	portmapHandler := netserver.NewConnectionsHandler(cfg.Handlers.MaxSessionsPerHandler, cfg.Handlers.DispatchSlotsPerHandler, portmapDispatch, p)

	for _, reaped := range []*netserver.ConnectionsHandler{netbiosHandler, directSMBHandler, mountHandler, portmapHandler} {
		reaped.SetMetrics(m)
		reaper := netserver.NewReaper(reaped, cfg.Network.ClientTimeout)
		reaper.OnStuck(func(sessionID uint64) { m.RecordStuckSession() })
		go reaper.Run(ctx)
		defer reaped.Stop()
	}

	listeners, err := listenAll(cfg)
	if err != nil {
		return err
	}
	defer closeAll(listeners)

	go serveOrLog(netbiosHandler, listeners.netbios, codec.FrameKindNetBIOSSMB)
	go serveOrLog(directSMBHandler, listeners.directSMB, codec.FrameKindDirectSMB)
	go serveOrLog(mountHandler, listeners.mount, codec.FrameKindRPCRecord)
	go serveOrLog(portmapHandler, listeners.portmap, codec.FrameKindRPCRecord)

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
		defer metricsSrv.Close()
		logger.Info("metrics endpoint listening", "addr", cfg.Metrics.Addr)
	}

	logger.Info("fileserver is running",
		"netbios_smb", cfg.Network.NetBIOSSMBAddr,
		"direct_smb", cfg.Network.DirectSMBAddr,
		"mount", cfg.Network.MountAddr,
		"portmap", cfg.Network.PortmapAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	signal.Stop(sigChan)
	logger.Info("shutdown signal received, stopping")
	cancel()

	return nil
}

type listenerSet struct {
	netbios, directSMB, mount, portmap net.Listener
}

func listenAll(cfg *config.Config) (listenerSet, error) {
	var ls listenerSet
	var err error

	if ls.netbios, err = net.Listen("tcp", cfg.Network.NetBIOSSMBAddr); err != nil {
		return ls, fmt.Errorf("listen netbios-smb: %w", err)
	}
	if ls.directSMB, err = net.Listen("tcp", cfg.Network.DirectSMBAddr); err != nil {
		return ls, fmt.Errorf("listen direct-smb: %w", err)
	}
	if ls.mount, err = net.Listen("tcp", cfg.Network.MountAddr); err != nil {
		return ls, fmt.Errorf("listen mount: %w", err)
	}
	if ls.portmap, err = net.Listen("tcp", cfg.Network.PortmapAddr); err != nil {
		return ls, fmt.Errorf("listen portmap: %w", err)
	}
	return ls, nil
}

func closeAll(ls listenerSet) {
	for _, l := range []net.Listener{ls.netbios, ls.directSMB, ls.mount, ls.portmap} {
		if l != nil {
			l.Close()
		}
	}
}

func serveOrLog(h *netserver.ConnectionsHandler, l net.Listener, kind codec.FrameKind) {
	if err := h.Serve(l, kind); err != nil {
		logger.Warn("netserver: listener stopped", "error", err)
	}
}

func portFromAddr(addr string) (int, bool) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, false
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return 0, false
	}
	return port, true
}

func clientHostAndIP(session *netserver.Session) (string, net.IP) {
	host, _, err := net.SplitHostPort(session.Conn.RemoteAddr().String())
	if err != nil {
		return session.Conn.RemoteAddr().String(), nil
	}
	return host, net.ParseIP(host)
}
