package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"golang.org/x/term"

	"github.com/hemut/qalive/live"
)

const LiveCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "WARNING")
}

func main() {
	usage := fmt.Sprintf(`Live Q&A control.

Settings are read from (lowest to highest precedence) the defaults, --config, the environment
(QALIVE_API_URL, QALIVE_WS_URL, QALIVE_TOKEN, QALIVE_RECONNECT_TIMEOUT, QALIVE_SNAPSHOT_TIMEOUT,
QALIVE_RESYNC_ON_RECONNECT, also read from .env), then the command line.

The default urls are:
    api_url: %s
    ws_url: %s

In watch, send SIGHUP to fetch a new snapshot, e.g. after the view is marked out of date.

Usage:
    livectl watch [--config=<config>] [--api_url=<api_url>] [--ws_url=<ws_url>]
        [--resync]
        [--metrics_addr=<metrics_addr>]
        [-v=<level>]
    livectl list [--config=<config>] [--api_url=<api_url>]
    livectl ask [--config=<config>] [--api_url=<api_url>] [--author=<author>] <message>
    livectl answer [--config=<config>] [--api_url=<api_url>] [--author=<author>] <question_id> <answer>
    livectl status [--config=<config>] [--api_url=<api_url>] [--token=<token>] <question_id> <status>
    livectl health [--config=<config>] [--api_url=<api_url>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --config=<config>                Yaml config file.
    --api_url=<api_url>
    --ws_url=<ws_url>
    --resync                         Fetch a new snapshot after every reconnect.
    --metrics_addr=<metrics_addr>    Serve prometheus metrics on this address, e.g. :9090
    -v=<level>                       Log verbosity.
    --author=<author>                Defaults to Anonymous on the server.
    --token=<token>                  Admin bearer. Prompted for when not set.`,
		live.DefaultApiUrl,
		live.DefaultWsUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LiveCtlVersion)
	if err != nil {
		panic(err)
	}

	if level, err := opts.String("-v"); err == nil && level != "" {
		flag.Set("v", level)
	}

	config, err := loadConfig(opts)
	if err != nil {
		Err.Printf("%s\n", err)
		os.Exit(1)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		err = watch(opts, config)
	} else if list_, _ := opts.Bool("list"); list_ {
		err = list(config)
	} else if ask_, _ := opts.Bool("ask"); ask_ {
		err = ask(opts, config)
	} else if answer_, _ := opts.Bool("answer"); answer_ {
		err = answer(opts, config)
	} else if status_, _ := opts.Bool("status"); status_ {
		err = status(opts, config)
	} else if health_, _ := opts.Bool("health"); health_ {
		err = health(config)
	}

	glog.Flush()
	if err != nil {
		Err.Printf("%s\n", err)
		os.Exit(1)
	}
}

func loadConfig(opts docopt.Opts) (*live.Config, error) {
	configPath, _ := opts.String("--config")
	config, err := live.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if apiUrl, _ := opts.String("--api_url"); apiUrl != "" {
		if previousApiUrl, err := url.Parse(config.ApiUrl); err == nil && config.WsUrl == live.WsUrlFromApiUrl(previousApiUrl) {
			// the ws url was derived, so derive it again from the new api url
			config.WsUrl = ""
		}
		config.ApiUrl = apiUrl
	}
	if wsUrl, _ := opts.String("--ws_url"); wsUrl != "" {
		config.WsUrl = wsUrl
	}
	if resync, _ := opts.Bool("--resync"); resync {
		config.ResyncOnReconnect = true
	}
	if token, _ := opts.String("--token"); token != "" {
		config.Token = token
	}
	if err := config.Normalize(); err != nil {
		return nil, err
	}
	return config, nil
}

func watch(opts docopt.Opts, config *live.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	api := live.NewQaApiWithContext(ctx, config.ApiUrl)
	defer api.Close()

	synchronizer := live.NewSynchronizer(ctx, api, config.WsUrl, config.SynchronizerSettings())

	if metricsAddr, _ := opts.String("--metrics_addr"); metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", synchronizer.Metrics().Handler())
		metricsServer := &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				Err.Printf("metrics server error = %s\n", err)
			}
		}()
		defer metricsServer.Close()
	}

	interactive := term.IsTerminal(int(os.Stdout.Fd()))
	synchronizer.AddViewCallback(func(view *live.View) {
		if interactive {
			// clear and redraw
			Out.Printf("\033[H\033[2J%s", renderView(view, config))
		} else {
			Out.Printf("%s\n", summarizeView(view))
		}
	})

	subscription := synchronizer.Start()
	defer synchronizer.Stop(subscription)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go refreshOnSignal(ctx, hup, synchronizer.Refresh)

	<-ctx.Done()
	return nil
}

// manual retry of the snapshot fetch, one refresh per signal
func refreshOnSignal(ctx context.Context, signals <-chan os.Signal, refresh func() error) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			if err := refresh(); err != nil {
				Err.Printf("refresh error = %s\n", err)
			}
		}
	}
}

func list(config *live.Config) error {
	api := live.NewQaApi(config.ApiUrl)
	defer api.Close()

	questions, err := api.GetQuestionsSync()
	if err != nil {
		return err
	}
	Out.Printf("%s", renderQuestions(questions))
	return nil
}

func ask(opts docopt.Opts, config *live.Config) error {
	author, _ := opts.String("--author")
	message, _ := opts.String("<message>")

	api := live.NewQaApi(config.ApiUrl)
	defer api.Close()

	result, err := api.CreateQuestionSync(&live.CreateQuestionArgs{
		Author:  author,
		Message: message,
	})
	if err != nil {
		return err
	}
	Out.Printf("%s\n", result.Id)
	return nil
}

func answer(opts docopt.Opts, config *live.Config) error {
	author, _ := opts.String("--author")
	questionId, _ := opts.String("<question_id>")
	answerContent, _ := opts.String("<answer>")

	api := live.NewQaApi(config.ApiUrl)
	defer api.Close()

	result, err := api.CreateAnswerSync(questionId, &live.CreateAnswerArgs{
		Author: author,
		Answer: answerContent,
	})
	if err != nil {
		return err
	}
	Out.Printf("%s\n", result.Message)
	return nil
}

func status(opts docopt.Opts, config *live.Config) error {
	questionId, _ := opts.String("<question_id>")
	statusStr, _ := opts.String("<status>")

	questionStatus, err := live.ParseQuestionStatus(statusStr)
	if err != nil {
		return err
	}

	token := config.Token
	if token == "" {
		token, err = readToken()
		if err != nil {
			return err
		}
	}

	api := live.NewQaApi(config.ApiUrl)
	defer api.Close()
	api.SetBearer(token)

	result, err := api.UpdateQuestionStatusSync(questionId, questionStatus)
	if err != nil {
		return err
	}
	Out.Printf("%s\n", result.Message)
	return nil
}

func readToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", live.ErrCredentialRequired
	}
	fmt.Fprint(os.Stderr, "Admin token: ")
	tokenBytes, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(tokenBytes)), nil
}

func health(config *live.Config) error {
	api := live.NewQaApi(config.ApiUrl)
	defer api.Close()

	ping, err := api.PingSync()
	if err != nil {
		return err
	}
	Out.Printf("ping: %s\n", ping.Status)

	health, err := api.HealthSync()
	if err != nil {
		return err
	}
	if health.Error != "" {
		Out.Printf("health: %s (database %s: %s)\n", health.Status, health.Database, health.Error)
	} else {
		Out.Printf("health: %s (database %s)\n", health.Status, health.Database)
	}
	return nil
}
