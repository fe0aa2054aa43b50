// Copyright 2025 Helios Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/heliosdb/helios/config"
	"github.com/heliosdb/helios/domain/membership"
	"github.com/heliosdb/helios/metrics"
	"github.com/heliosdb/helios/statestore"
	"github.com/heliosdb/helios/util/logutil"
)

var (
	configPath = flag.String("config", "", "config file path")
	host       = flag.String("host", "", "server host (overrides config)")
	port       = flag.Int("P", 0, "server port (overrides config)")
	version    = flag.Bool("V", false, "print version information and exit")
)

const heliosVersion = "0.1.0"

func main() {
	flag.Parse()
	if *version {
		fmt.Println("helios-server", heliosVersion)
		os.Exit(0)
	}

	cfg := loadConfig()
	if err := logutil.InitLogger(logutil.NewLogConfig(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)); err != nil {
		fmt.Fprintln(os.Stderr, "invalid log config:", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	metrics.RegisterMetrics(registry)

	// A single-node deployment runs its statestore in process. Multi-node
	// deployments point the subscriber at a statestore service instead.
	store := statestore.NewLocal()
	sub := store.RegisterSubscriber()

	backendID := uuid.New().String()
	localDesc := buildLocalDescriptor(backendID, cfg)

	mgr := membership.NewManager(backendID, sub, cfg.Cluster.BlacklistTimeout.Duration)
	mgr.SetLocalBeDescFn(func() *membership.BackendDescriptor { return localDesc })
	mgr.SetUpdateLocalServerFn(func(backends map[membership.NetworkAddress]struct{}) {
		logutil.BgLogger().Info("cluster membership changed", zap.Int("backends", len(backends)))
	})
	mgr.SetUpdateFrontendFn(func(req *membership.UpdateFrontendRequest) error {
		logutil.BgLogger().Info("executor membership for planner",
			zap.Int("executors", req.NumExecutors))
		return nil
	})
	if err := mgr.Init(); err != nil {
		logutil.BgLogger().Fatal("failed to start cluster membership manager", zap.Error(err))
	}
	// Advertise the local backend.
	store.Publish(statestore.TopicDelta{TopicName: statestore.MembershipTopicName, IsDelta: true})

	statusAddr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.StatusPort))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		snapshot := mgr.GetSnapshot()
		fmt.Fprintf(w, "version: %d\nbackends: %d\nexecutor groups: %d\n",
			snapshot.Version, len(snapshot.CurrentBackends), len(snapshot.ExecutorGroups))
	})
	server := &http.Server{Addr: statusAddr, Handler: mux}
	go func() {
		logutil.BgLogger().Info("status server listening", zap.String("addr", statusAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logutil.BgLogger().Fatal("status server failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logutil.BgLogger().Info("shutting down", zap.String("signal", s.String()))
	// Quiesce: the next membership update removes this backend from its
	// executor groups before the process exits.
	localDesc = quiescingCopy(localDesc)
	store.Publish(statestore.TopicDelta{TopicName: statestore.MembershipTopicName, IsDelta: true})
	_ = server.Close()
}

func loadConfig() *config.Config {
	cfg := config.NewConfig()
	if *configPath != "" {
		if err := cfg.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, "failed to load config:", err)
			os.Exit(1)
		}
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	config.StoreGlobalConfig(cfg)
	return cfg
}

func buildLocalDescriptor(backendID string, cfg *config.Config) *membership.BackendDescriptor {
	groups := make([]membership.ExecutorGroupDesc, 0, len(cfg.Cluster.ExecutorGroups))
	for _, name := range cfg.Cluster.ExecutorGroups {
		groups = append(groups, membership.ExecutorGroupDesc{Name: name, MinSize: 1})
	}
	ip := cfg.Host
	if addrs, err := net.LookupHost(cfg.Host); err == nil && len(addrs) > 0 {
		ip = addrs[0]
	}
	return &membership.BackendDescriptor{
		ID:             backendID,
		Address:        membership.NetworkAddress{Hostname: cfg.Host, Port: cfg.Port},
		IPAddress:      ip,
		IsCoordinator:  cfg.Cluster.IsCoordinator,
		IsExecutor:     cfg.Cluster.IsExecutor,
		ExecutorGroups: groups,
	}
}

func quiescingCopy(desc *membership.BackendDescriptor) *membership.BackendDescriptor {
	c := desc.Clone()
	c.IsQuiescing = true
	return c
}
