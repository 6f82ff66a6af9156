package command

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/xuhaidong1/go-generic-tools/pluginsx/logx"
)

// Watcher 周期性扫描指令表：超时SENT置为TIMEOUT，到期的SCHEDULED下发
type Watcher struct {
	svc    *Service
	cron   *cron.Cron
	spec   string
	logger logx.Logger
}

func NewWatcher(svc *Service, spec string, logger logx.Logger) *Watcher {
	return &Watcher{
		svc:    svc,
		cron:   cron.New(),
		spec:   spec,
		logger: logger.With(logx.Field{Key: "component", Value: "CommandWatcher"}),
	}
}

func (w *Watcher) Start() error {
	_, err := w.cron.AddFunc(w.spec, w.sweep)
	if err != nil {
		return err
	}
	w.cron.Start()
	w.logger.Info("started", logx.String("spec", w.spec))
	return nil
}

// Stop 等正在跑的sweep结束
func (w *Watcher) Stop() {
	<-w.cron.Stop().Done()
	w.logger.Info("stopped")
}

func (w *Watcher) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := w.svc.ExpireSent(ctx); err != nil {
		w.logger.Error("超时扫描失败", logx.Error(err))
	}
	if err := w.svc.DispatchDue(ctx); err != nil {
		w.logger.Error("定时指令扫描失败", logx.Error(err))
	}
}
