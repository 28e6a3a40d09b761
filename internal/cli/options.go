package cli

import (
	"github.com/dgnsrekt/requests-whaor/internal/config"
	"github.com/dgnsrekt/requests-whaor/internal/core/fleet"
	"github.com/dgnsrekt/requests-whaor/internal/core/requestor"
)

func fleetOptions(cfg *config.Config) fleet.Options {
	return fleet.Options{
		Network: fleet.NetworkOptions{
			Name:   cfg.Network.Name,
			Driver: cfg.Network.Driver,
		},
		Pool: fleet.PoolOptions{
			Size:        cfg.Pool.Size,
			Image:       cfg.Pool.Image,
			NamePrefix:  cfg.Pool.NamePrefix,
			StopGrace:   cfg.Pool.StopGrace,
			SettleDelay: cfg.Pool.SettleDelay,
		},
		Bulk: fleet.BulkOptions{
			Parallel:   cfg.Pool.Parallel,
			MaxWorkers: cfg.Pool.MaxWorkers,
			Timeout:    cfg.Pool.BulkTimeout,
		},
		Balancer: fleet.BalancerOptions{
			Image:            cfg.Balancer.Image,
			Name:             cfg.Balancer.Name,
			MaxConnections:   cfg.Balancer.MaxConnections,
			TimeoutClient:    cfg.Balancer.TimeoutClient,
			TimeoutConnect:   cfg.Balancer.TimeoutConnect,
			TimeoutQueue:     cfg.Balancer.TimeoutQueue,
			TimeoutServer:    cfg.Balancer.TimeoutServer,
			ListenPort:       cfg.Balancer.ListenPort,
			BackendName:      cfg.Balancer.BackendName,
			BackendPort:      cfg.Balancer.BackendPort,
			DashboardPort:    cfg.Balancer.DashboardPort,
			DashboardRefresh: cfg.Balancer.DashboardRefresh,
			Scheme:           cfg.Balancer.Scheme,
			ConfigDir:        cfg.Balancer.ConfigDir,
			StopGrace:        cfg.Balancer.StopGrace,
		},
		Client: requestor.Options{
			Timeout:    cfg.Client.Timeout,
			MaxRetries: cfg.Client.MaxRetries,
		},
		RotateCount:     cfg.Client.RotateCount,
		SettleDelay:     cfg.Fleet.SettleDelay,
		ShowLog:         cfg.Fleet.ShowLog,
		TeardownTimeout: cfg.Fleet.TeardownTimeout,
	}
}
