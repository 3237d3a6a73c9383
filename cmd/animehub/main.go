package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"animehub/internal/cli"
	"animehub/internal/config"
	"animehub/internal/domain"
	"animehub/internal/httpapi"
	"animehub/internal/jd"
	"animehub/internal/netx"
)

var (
	newLogger    = func() loggerAPI { return cli.Logger{} }
	newNetClient = func(logger loggerAPI) *netx.Client {
		return netx.NewClient(30*time.Second, netx.RetryOptions{
			Retries:   2,
			BaseDelay: 300 * time.Millisecond,
			MaxDelay:  2 * time.Second,
			OnRetry: func(attempt int, err error, delay time.Duration) {
				logger.Warn(fmt.Sprintf("Retry %d in %s: %v", attempt, delay.Round(time.Millisecond), err))
			},
		})
	}
	newStore       = func(path string) httpapi.SettingsStore { return config.NewStore(path) }
	listenAndServe = func(srv *http.Server) error { return srv.ListenAndServe() }
	exitFn         = cli.Exit
)

const shutdownTimeout = 5 * time.Second

type loggerAPI interface {
	Info(msg string)
	Warn(msg string)
	Error(msg string)
	Success(msg string)
	Failure(msg string)
}

// execute runs one command and returns the process exit code: 0 on success,
// 1 for usage or settings problems, 2 when the operation itself failed.
func execute(ctx context.Context, args []string, logger loggerAPI, net *netx.Client) int {
	cmd, err := cli.ParseArgs(args)
	if err != nil {
		logger.Error(formatError(err))
		fmt.Fprintln(os.Stderr, cli.Usage)
		return 1
	}
	switch cmd.Name {
	case cli.CmdHelp:
		fmt.Println(cli.Usage)
		return 0
	case "":
		fmt.Fprintln(os.Stderr, cli.Usage)
		return 1
	}

	store := newStore(cmd.ConfigPath)
	settings, err := store.Get()
	if err != nil {
		logger.Error(formatError(err))
		return 1
	}
	onSelected := func(sel jd.DeviceSelection) {
		if err := store.SaveDevice(sel.DeviceID, sel.DeviceName); err != nil {
			logger.Warn("Could not save device " + sel.DeviceID + ": " + formatError(err))
			return
		}
		logger.Info(fmt.Sprintf("Using JDownloader device %s (%s)", sel.DeviceName, sel.DeviceID))
	}
	manager := jd.NewManager(settings.JDownloader, net, jd.WithDeviceSelected(onSelected))
	logger.Info("JDownloader mode: " + manager.Mode())

	switch cmd.Name {
	case cli.CmdServe:
		addr := cmd.Addr
		if addr == "" {
			addr = settings.Server.Addr
		}
		return serve(ctx, httpapi.NewServer(store, net, logger, nil).NewHTTPServer(addr), logger)
	case cli.CmdTest:
		res, err := manager.TestConnection(ctx)
		if err != nil {
			return reportFailure(logger, err)
		}
		logger.Success(res.Message)
		for _, d := range res.Devices {
			logger.Info(deviceLine(d, res.SelectedDeviceID))
		}
		return 0
	case cli.CmdDevices:
		scan, err := manager.ScanDevices(ctx)
		if err != nil {
			return reportFailure(logger, err)
		}
		selected := ""
		if scan.SelectedDevice != nil {
			selected = scan.SelectedDevice.ID
		}
		if len(scan.Devices) == 0 {
			logger.Warn("No devices linked to this My.JDownloader account")
		}
		for _, d := range scan.Devices {
			logger.Info(deviceLine(d, selected))
		}
		return 0
	case cli.CmdAdd:
		return add(ctx, manager, cmd, logger)
	}
	return 1
}

func add(ctx context.Context, manager *jd.Manager, cmd cli.Command, logger loggerAPI) int {
	name := cmd.Package
	if strings.TrimSpace(name) == "" {
		name = "Anime"
	}
	progress := cli.NewProgress("enlaces")
	d := domain.NewDispatcher(manager, nil)
	res, err := d.Dispatch(ctx, domain.Batch{
		Name:     name,
		Episodes: []domain.Episode{{Title: name, Links: cmd.Links}},
	}, func(ev domain.Event) {
		if ev.Total > 0 {
			progress.Update(ev.Current, ev.Total)
			return
		}
		progress.Stop()
		if !ev.Done {
			logger.Info(ev.Msg)
		}
	})
	if err != nil {
		return reportFailure(logger, err)
	}
	logger.Success(res.Message)
	return 0
}

func serve(ctx context.Context, srv *http.Server, logger loggerAPI) int {
	errCh := make(chan error, 1)
	go func() { errCh <- listenAndServe(srv) }()
	logger.Info("Listening on " + srv.Addr)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(formatError(err))
			return 2
		}
		return 0
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(formatError(err))
		return 2
	}
	logger.Info("Server stopped")
	return 0
}

// reportFailure logs err and, when a device choice is needed, the reachable
// alternatives.
func reportFailure(logger loggerAPI, err error) int {
	res := jd.ErrorResult(err)
	logger.Failure(fmt.Sprintf("%s [%s]", res.Message, res.Code))
	if res.RequiresDeviceSelection {
		logger.Warn("Pick one of these devices in the settings (jdownloader.web.deviceId):")
		for _, d := range res.AvailableDevices {
			logger.Warn("  " + deviceLine(d, ""))
		}
	}
	return 2
}

func deviceLine(d jd.Device, selectedID string) string {
	mark := " "
	if d.ID == selectedID && selectedID != "" {
		mark = "*"
	}
	status := d.Status
	if status == "" {
		status = "UNKNOWN"
	}
	return fmt.Sprintf("%s %s  %s  %s", mark, d.ID, d.Label(), status)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	logger := newLogger()
	net := newNetClient(logger)
	exitCode := execute(ctx, os.Args[1:], logger, net)
	stop()
	exitFn(exitCode)
}

func formatError(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
