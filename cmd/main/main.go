package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/xuhaidong1/iothub/cmd/ioc"
	"github.com/xuhaidong1/iothub/config"
	"github.com/xuhaidong1/iothub/config/pollconfig"
	"github.com/xuhaidong1/iothub/config/topicconfig"
	"github.com/xuhaidong1/iothub/internal/adapter"
	"github.com/xuhaidong1/iothub/internal/adapter/modbus"
	"github.com/xuhaidong1/iothub/internal/adapter/mqttadapter"
	"github.com/xuhaidong1/iothub/internal/assign"
	"github.com/xuhaidong1/iothub/internal/backbone"
	"github.com/xuhaidong1/iothub/internal/command"
	"github.com/xuhaidong1/iothub/internal/executor"
	"github.com/xuhaidong1/iothub/internal/gateway"
	"github.com/xuhaidong1/iothub/internal/metrics"
	"github.com/xuhaidong1/iothub/internal/repository"
	"github.com/xuhaidong1/iothub/internal/repository/dao"
	"github.com/xuhaidong1/iothub/pkg/quota"
	"github.com/xuhaidong1/iothub/pkg/registry"
	etcd2 "github.com/xuhaidong1/iothub/pkg/registry/etcd"
	"github.com/xuhaidong1/iothub/web"
)

func main() {
	cfg := config.StartConfig
	logger := ioc.Loggerx
	ctx, cancel := context.WithCancel(context.Background())
	metrics.InitPrometheus(cfg.Metrics.Addr)

	//--初始化三方依赖
	kafkaClient := ioc.InitKafka()
	db := ioc.InitDB()
	rdb := ioc.InitRedis()
	etcd := ioc.InitEtcd()

	//----实例注册-------
	rg, err := etcd2.NewRegistry(etcd)
	if err != nil {
		panic(err)
	}
	ins, err := registerService(ctx, rg, cfg)
	if err != nil {
		panic(err)
	}
	//----设备分片：一致性哈希决定本实例轮询哪些设备----
	assigner := assign.NewDeviceAssigner(rg, cfg.Register.ServiceName, cfg.Register.PodName, logger)
	if err := assigner.Start(ctx); err != nil {
		panic(err)
	}

	//----消息骨干初始化，缺失的topic开机补齐----
	bb := backbone.New(kafkaClient, logger,
		backbone.WithReplicationFactor(cfg.Kafka.ReplicationFactor))
	if err := bb.Provision(ctx, topicconfig.Definitions); err != nil {
		panic(err)
	}

	//----存储层----
	commandRepo := repository.NewCommandRepository(dao.NewGormCommandDAO(db))
	deviceRegistry := repository.NewDeviceRegistry(dao.NewGormDeviceDAO(db))

	//----适配器和网关----
	adapters := adapter.NewRegistry()
	gw := gateway.New(adapters, bb, logger)
	sink := gw.Sink()
	mustRegister(adapters, modbus.New(pollconfig.Devices, sink, logger,
		modbus.WithAssigner(assigner)))
	mustRegister(adapters, mqttadapter.New(cfg.MQTT, sink, logger))

	//----指令服务----
	limiter := quota.NewRedisQuotaLimiter(rdb, cfg.Quota.Window, cfg.Quota.Limit)
	commandSvc := command.NewService(commandRepo, deviceRegistry, limiter,
		bb, ioc.InitIDGenerator(), logger)
	watcher := command.NewWatcher(commandSvc, cfg.Command.TimeoutSweep, logger)
	if err := watcher.Start(); err != nil {
		panic(err)
	}

	//----指令执行者：消费device.commands，下发到适配器----
	exec := executor.New(commandRepo, deviceRegistry, adapters, logger)
	err = bb.Subscribe(executor.GroupID, []string{topicconfig.DeviceCommands}, exec.Handle)
	if err != nil {
		panic(err)
	}

	//----拉起所有适配器----
	if err := gw.Start(ctx); err != nil {
		panic(err)
	}

	//----优雅关闭初始化------
	gs := NewGracefulShutdown(cancel, rg, ins, gw, watcher, bb, logger)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	//-----http service初始化----
	server := ioc.InitWebServer(web.NewCommandHandler(commandSvc))
	go func() {
		er := server.Run(cfg.Web.Addr)
		if er != nil {
			return
		}
	}()
	<-ch
	gs.Shutdown()
}

func registerService(ctx context.Context, rg registry.Registry, cfg config.Config) (registry.ServiceInstance, error) {
	ins := registry.ServiceInstance{
		Address:     cfg.Register.PodName,
		ServiceName: cfg.Register.ServiceName,
		Weight:      10000,
	}
	if err := rg.Register(ctx, ins); err != nil {
		return registry.ServiceInstance{}, err
	}
	return ins, nil
}

func mustRegister(r *adapter.Registry, a adapter.Adapter) {
	if err := r.Register(a); err != nil {
		panic(err)
	}
}
