package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/golang/glog"

	"github.com/bringyour/coedit/coedit"
)

const CoeditCtlVersion = "0.0.1"

// the project id every participant uses for the shared files
const sharedProjectId = "shared"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Coedit control.

Usage:
    coeditctl simulate [--peers=<peers>] [--edits=<edits>] [--seed=<seed>]
    coeditctl host --addr=<addr> --file=<file>
        [--config=<config>]
        [--jwt=<jwt>]
        [--metrics_addr=<metrics_addr>]
    coeditctl join --url=<url> --session=<session_id>
        [--config=<config>]
        [--jwt=<jwt>]
    coeditctl relay --redis=<redis_addr> --session=<session_id>
        [--file=<file>]
        [--host=<host_id>]
        [--config=<config>]
        [--jwt=<jwt>]
    coeditctl checksum <file>

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --peers=<peers>                Number of clients in the simulation [default: 3].
    --edits=<edits>                Edits per participant in the simulation [default: 200].
    --seed=<seed>                  Random seed for the simulation [default: 0].
    --addr=<addr>                  Listen address for the websocket endpoint.
    --file=<file>                  The file to share. Written back when the host exits.
    --config=<config>              Session settings yaml.
    --jwt=<jwt>                    A JWT with user_id, user_name and session_id claims.
    --metrics_addr=<metrics_addr>  Serve Prometheus metrics on this address.
    --url=<url>                    The host websocket url.
    --session=<session_id>         The session id.
    --redis=<redis_addr>           The redis address.
    --host=<host_id>               Join the host with this user id. Without it, host the session.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CoeditCtlVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")

	if simulate_, _ := opts.Bool("simulate"); simulate_ {
		simulate(opts)
	} else if host_, _ := opts.Bool("host"); host_ {
		host(opts)
	} else if join_, _ := opts.Bool("join"); join_ {
		join(opts)
	} else if relay_, _ := opts.Bool("relay"); relay_ {
		relay(opts)
	} else if checksum_, _ := opts.Bool("checksum"); checksum_ {
		checksum(opts)
	} else {
		docopt.PrintHelpAndExit(nil, usage)
	}
}

func simulate(opts docopt.Opts) {
	settings := DefaultSimulationSettings()
	if peersStr, err := opts.String("--peers"); err == nil {
		if settings.PeerCount, err = strconv.Atoi(peersStr); err != nil {
			Err.Fatalf("Bad peer count: %s", err)
		}
	}
	if editsStr, err := opts.String("--edits"); err == nil {
		if settings.EditCount, err = strconv.Atoi(editsStr); err != nil {
			Err.Fatalf("Bad edit count: %s", err)
		}
	}
	if seedStr, err := opts.String("--seed"); err == nil {
		if settings.Seed, err = strconv.ParseInt(seedStr, 10, 64); err != nil {
			Err.Fatalf("Bad seed: %s", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	result, err := RunSimulation(ctx, settings)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	for _, participant := range result.Participants {
		Out.Printf("%s %s %s\n", participant.Role, participant.UserId, participant.Checksum)
	}
	if result.Converged {
		Out.Printf("converged after %d edits in %s (%d code points)\n", result.EditCount, result.Duration, result.Checksum.Length)
	} else {
		Out.Printf("diverged after %d edits\n", result.EditCount)
		os.Exit(1)
	}
}

func host(opts docopt.Opts) {
	addr, _ := opts.String("--addr")
	filePath, _ := opts.String("--file")

	settings := loadSettings(opts)
	userId, sessionId := identity(opts, true)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	metrics := coedit.NewSequencerMetrics(registry)

	workspace, resource := loadSharedFile(filePath)

	transport := coedit.NewWsTransportWithDefaults(ctx, userId, sessionId)
	defer transport.Close()

	session := coedit.NewSession(ctx, userId, userId, transport, workspace, settings, metrics)
	defer session.Close()
	shareProject(session, resource)

	transport.AddReceiveCallback(func(sourceId coedit.Id, frameBytes []byte) {
		if err := session.Receive(sourceId, frameBytes); err != nil {
			glog.Infof("[host]receive from %s = %s\n", sourceId, err)
		}
	})
	transport.AddConnectCallback(func(peerId coedit.Id) {
		if err := session.InvitePeer(peerId, resource); err != nil {
			glog.Infof("[host]invite %s = %s\n", peerId, err)
		}
	})
	transport.AddDisconnectCallback(session.RemovePeer)
	printActivities(session, Out.Writer())

	Out.Printf("hosting session %s as %s on %s\n", sessionId, userId, addr)

	g, gCtx := errgroup.WithContext(ctx)
	servers := []*http.Server{
		{
			Addr:    addr,
			Handler: transport,
		},
	}
	if metricsAddr, err := opts.String("--metrics_addr"); err == nil && metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		servers = append(servers, &http.Server{
			Addr:    metricsAddr,
			Handler: mux,
		})
	}
	for _, server := range servers {
		g.Go(func() error {
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		session.RunChecksums(gCtx)
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		for _, server := range servers {
			server.Shutdown(shutdownCtx)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		Err.Printf("%s", err)
	}

	saveSharedFile(filePath, workspace, resource)
}

func join(opts docopt.Opts) {
	url, _ := opts.String("--url")

	settings := loadSettings(opts)
	userId, sessionId := identity(opts, false)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	workspace := coedit.NewMemoryWorkspace()
	transport := coedit.NewWsTransportWithDefaults(ctx, userId, sessionId)
	defer transport.Close()

	// frames can arrive before the host id is known
	ready := make(chan struct{})
	var session *coedit.Session
	transport.AddReceiveCallback(func(sourceId coedit.Id, frameBytes []byte) {
		select {
		case <-ctx.Done():
			return
		case <-ready:
		}
		if err := session.Receive(sourceId, frameBytes); err != nil {
			glog.Infof("[join]receive from %s = %s\n", sourceId, err)
		}
	})

	hostId, err := transport.Dial(ctx, url)
	if err != nil {
		Err.Fatalf("Could not join %s: %s", url, err)
	}
	session = coedit.NewSession(ctx, userId, hostId, transport, workspace, settings, nil)
	defer session.Close()
	shareProject(session, nil)
	transport.AddDisconnectCallback(session.RemovePeer)
	close(ready)

	Out.Printf("joined session %s as %s, host %s\n", sessionId, userId, hostId)
	editLines(ctx, session)
}

func relay(opts docopt.Opts) {
	redisAddr, _ := opts.String("--redis")

	settings := loadSettings(opts)
	userId, sessionId := identity(opts, false)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})
	defer client.Close()

	transport := coedit.NewRedisTransportWithDefaults(ctx, client, userId, sessionId)
	defer transport.Close()

	hostId := userId
	if hostIdStr, err := opts.String("--host"); err == nil && hostIdStr != "" {
		if hostId, err = coedit.ParseId(hostIdStr); err != nil {
			Err.Fatalf("Bad host id: %s", err)
		}
	}

	var workspace *coedit.MemoryWorkspace
	var resource coedit.Resource
	if hostId == userId {
		filePath, err := opts.String("--file")
		if err != nil || filePath == "" {
			Err.Fatalf("The host needs a --file to share.")
		}
		workspace, resource = loadSharedFile(filePath)
		defer saveSharedFile(filePath, workspace, resource)
	} else {
		workspace = coedit.NewMemoryWorkspace()
	}

	session := coedit.NewSession(ctx, userId, hostId, transport, workspace, settings, nil)
	defer session.Close()
	shareProject(session, resource)

	transport.AddReceiveCallback(func(sourceId coedit.Id, frameBytes []byte) {
		if err := session.Receive(sourceId, frameBytes); err != nil {
			glog.Infof("[relay]receive from %s = %s\n", sourceId, err)
		}
	})

	g, gCtx := errgroup.WithContext(ctx)
	if session.IsHost() {
		transport.AddAnnounceCallback(func(peerId coedit.Id) {
			// announcements repeat, so an existing peer is expected
			if err := session.InvitePeer(peerId, resource); err != nil && !errors.Is(err, coedit.ErrIllegalState) {
				glog.Infof("[relay]invite %s = %s\n", peerId, err)
			}
		})
		Out.Printf("hosting session %s as %s\n", sessionId, userId)
		g.Go(func() error {
			return transport.Run(coedit.Id{})
		})
		g.Go(func() error {
			session.RunChecksums(gCtx)
			return nil
		})
	} else {
		Out.Printf("joining session %s as %s, host %s\n", sessionId, userId, hostId)
		g.Go(func() error {
			return transport.Run(hostId)
		})
		g.Go(func() error {
			editLines(gCtx, session)
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-gCtx.Done():
		case <-session.Done():
		}
		transport.Close()
		return nil
	})
	if err := g.Wait(); err != nil {
		Err.Printf("%s", err)
	}
}

func checksum(opts docopt.Opts) {
	filePath, _ := opts.String("<file>")

	data, err := os.ReadFile(filePath)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	if !utf8.Valid(data) {
		Err.Fatalf("%s is not utf-8 text.", filePath)
	}
	Out.Printf("%s %s\n", coedit.NewDocumentChecksum(string(data)), filePath)
}

func loadSettings(opts docopt.Opts) *coedit.SessionSettings {
	configPath, err := opts.String("--config")
	if err != nil || configPath == "" {
		return coedit.DefaultSessionSettings()
	}
	settings, err := coedit.LoadSessionSettings(configPath)
	if err != nil {
		Err.Fatalf("Could not load %s: %s", configPath, err)
	}
	return settings
}

// the user id comes from the jwt or is new. The session id comes from
// --session, then the jwt. A host without either starts a new session.
func identity(opts docopt.Opts, allowNewSession bool) (userId coedit.Id, sessionId coedit.Id) {
	userId = coedit.NewId()
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		byJwt, err := coedit.ParseByJwtUnverified(jwt)
		if err != nil {
			Err.Fatalf("Bad jwt: %s", err)
		}
		userId = byJwt.UserId
		sessionId = byJwt.SessionId
	}
	if sessionIdStr, err := opts.String("--session"); err == nil && sessionIdStr != "" {
		if sessionId, err = coedit.ParseId(sessionIdStr); err != nil {
			Err.Fatalf("Bad session id: %s", err)
		}
	}
	if sessionId.IsBroadcast() {
		if !allowNewSession {
			Err.Fatalf("A session id is required.")
		}
		sessionId = coedit.NewId()
	}
	return
}

func loadSharedFile(filePath string) (*coedit.MemoryWorkspace, coedit.Resource) {
	data, err := os.ReadFile(filePath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		Err.Fatalf("%s", err)
	}
	project := coedit.NewMemoryProject(sharedProjectId)
	resource := project.RequireResource(filepath.Base(filePath))
	workspace := coedit.NewMemoryWorkspace()
	workspace.SetText(resource, string(data))
	return workspace, resource
}

func saveSharedFile(filePath string, workspace *coedit.MemoryWorkspace, resource coedit.Resource) {
	text, err := workspace.Text(resource)
	if err != nil {
		Err.Printf("%s", err)
		return
	}
	checksum, err := coedit.TraceWithReturnError(
		fmt.Sprintf("write %s", filePath),
		func() (coedit.DocumentChecksum, error) {
			if err := os.WriteFile(filePath, []byte(text), 0644); err != nil {
				return coedit.DocumentChecksum{}, err
			}
			return coedit.NewDocumentChecksum(text), nil
		},
	)
	if err != nil {
		Err.Printf("%s", err)
		return
	}
	Out.Printf("wrote %s %s\n", checksum, filePath)
}

// the host shares the project of `resource`; a client shares an empty project
// that the host fills with created files
func shareProject(session *coedit.Session, resource coedit.Resource) {
	var project coedit.Project
	if resource != nil {
		project = resource.Project()
	} else {
		project = coedit.NewMemoryProject(sharedProjectId)
	}
	if err := session.Mapper().AddProject(sharedProjectId, project, false); err != nil {
		Err.Fatalf("%s", err)
	}
}

func printActivities(session *coedit.Session, out io.Writer) {
	session.AddActivityCallback(func(activity coedit.Activity) {
		switch v := activity.(type) {
		case coedit.TextEditActivity:
			fmt.Fprintf(out, "%s %s %s\n", v.Source(), v.Ref, v.Operation)
		case coedit.FileActivity:
			fmt.Fprintf(out, "%s %s file %d (%d bytes)\n", v.Source(), v.Ref, v.Type, len(v.Content))
		default:
			glog.V(1).Infof("[ctl]%T from %s\n", activity, activity.Source())
		}
	})
	session.AddResyncCallback(func(ref coedit.ResourceRef, err error) {
		fmt.Fprintf(out, "%s needs resync: %s\n", ref, err)
	})
}

// editLines appends each input line to the first document the host sends.
func editLines(ctx context.Context, session *coedit.Session) {
	var out io.Writer = os.Stdout
	var readLine func() (string, error)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			Err.Fatalf("%s", err)
		}
		defer term.Restore(fd, oldState)

		terminal := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{os.Stdin, os.Stdout}, "> ")
		out = terminal
		readLine = terminal.ReadLine
	} else {
		scanner := bufio.NewScanner(os.Stdin)
		readLine = func() (string, error) {
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					return "", err
				}
				return "", io.EOF
			}
			return scanner.Text(), nil
		}
	}

	documents := make(chan coedit.ResourceRef, 1)
	session.AddActivityCallback(func(activity coedit.Activity) {
		if v, ok := activity.(coedit.FileActivity); ok && v.Type == coedit.FileCreated {
			select {
			case documents <- v.Ref:
			default:
			}
		}
	})
	printActivities(session, out)

	var resource coedit.Resource
	select {
	case <-ctx.Done():
		return
	case <-session.Done():
		return
	case ref := <-documents:
		var err error
		if resource, err = session.Mapper().Resolve(ref); err != nil {
			Err.Printf("%s", err)
			return
		}
		fmt.Fprintf(out, "editing %s\n", ref)
	}

	lines := make(chan string)
	go coedit.HandleError(func() {
		defer close(lines)
		for {
			line, err := readLine()
			if err != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case lines <- line:
			}
		}
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			text, err := session.Workspace().Text(resource)
			if err != nil {
				Err.Printf("%s", err)
				return
			}
			op := coedit.Insert{
				Position: utf8.RuneCountInString(text),
				Text:     line + "\n",
			}
			if err := session.LocalTextEdit(resource, op); err != nil {
				fmt.Fprintf(out, "edit failed: %s\n", err)
			}
		}
	}
}
