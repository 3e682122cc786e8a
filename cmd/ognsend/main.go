// ognsend is the outbound mail delivery engine's daemon entrypoint: it
// loads configuration, wires up the entity store and SMTP attempt engine,
// and runs the worker pool until asked to stop, in the shape of
// chasquid's own chasquid.go.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"blitiri.com.ar/go/log"

	"ogn.dev/smtpsender/internal/auth"
	"ogn.dev/smtpsender/internal/callback"
	"ogn.dev/smtpsender/internal/config"
	"ogn.dev/smtpsender/internal/sender"
	"ogn.dev/smtpsender/internal/sendlog"
)

var (
	configPath = flag.String("config", "/etc/ognsend/ognsend.yaml",
		"configuration file path")
	showVer = flag.Bool("version", false, "show version and exit")
)

var version = "undefined"

func main() {
	flag.Parse()
	log.Init()

	if *showVer {
		fmt.Printf("ognsend %s\n", version)
		return
	}

	log.Infof("ognsend starting (version %s)", version)

	conf, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	config.LogConfig(conf)

	initSendLog(conf.Logging.SendLogPath)

	authType, err := auth.ParseType(conf.SMTP.AuthType)
	if err != nil {
		log.Fatalf("Invalid smtp.auth_type: %v", err)
	}

	svc := sender.New()

	if r := svc.SetServiceSettings(sender.ServiceSettings{
		StoreDir:             conf.Service.StoreDir,
		Workers:              conf.Service.Workers,
		PollInterval:         conf.PollInterval(),
		RetryScheduleMinutes: conf.Service.RetryScheduleMins,
		GiveUpSendAfter:      conf.GiveUpSendAfter(),
		Callbacks:            callback.Set{},
	}); !r.OK {
		log.Fatalf("Error setting service settings: %s", r.Err)
	}

	if r := svc.SetSMTPSettings(sender.SMTPSettings{
		HelloDomain:      conf.SMTP.HelloDomain,
		RelayHost:        conf.SMTP.RelayHost,
		RelayImplicitTLS: conf.SMTP.RelayImplicitTLS,
		AuthType:         authType,
		AuthUser:         conf.SMTP.AuthUser,
		AuthPass:         conf.SMTP.AuthPass,
		IPVerPreference:  conf.IPVerPreference(),
		DialTimeout:      conf.DialTimeout(),
		TotalTimeout:     conf.TotalTimeout(),
		STSEnabled:       conf.SMTP.STSEnabled,
	}); !r.OK {
		log.Fatalf("Error setting SMTP settings: %s", r.Err)
	}

	if r := svc.Start(); !r.OK {
		log.Fatalf("Error starting service: %s", r.Err)
	}
	log.Infof("ognsend started, store=%q workers=%d", conf.Service.StoreDir, conf.Service.Workers)

	waitForShutdownSignal()

	log.Infof("ognsend stopping")
	if r := svc.BeginStop(); !r.OK {
		log.Fatalf("Error beginning stop: %s", r.Err)
	}
	for {
		if r := svc.WaitStop(5000); r.OK {
			break
		}
		log.Infof("still waiting for in-flight deliveries to drain")
	}
	log.Infof("ognsend stopped")
}

func initSendLog(path string) {
	var err error
	switch path {
	case "<syslog>":
		sendlog.Default, err = sendlog.NewSyslog()
	case "<stdout>":
		sendlog.Default = sendlog.New(os.Stdout)
	case "<stderr>", "":
		sendlog.Default = sendlog.New(os.Stderr)
	default:
		f, ferr := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if ferr != nil {
			log.Fatalf("Error opening send log %q: %v", path, ferr)
		}
		sendlog.Default = sendlog.New(f)
	}
	if err != nil {
		log.Fatalf("Error initializing send log: %v", err)
	}
}

func waitForShutdownSignal() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	log.Infof("received signal %v, beginning graceful shutdown", sig)
}
