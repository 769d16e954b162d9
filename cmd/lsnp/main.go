package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/lsnp/lsnp/internal/config"
	"github.com/lsnp/lsnp/internal/dedupe"
	"github.com/lsnp/lsnp/internal/debugserver"
	"github.com/lsnp/lsnp/internal/filetransfer"
	"github.com/lsnp/lsnp/internal/game"
	"github.com/lsnp/lsnp/internal/group"
	"github.com/lsnp/lsnp/internal/messaging"
	"github.com/lsnp/lsnp/internal/metrics"
	"github.com/lsnp/lsnp/internal/presence"
	"github.com/lsnp/lsnp/internal/registry"
	"github.com/lsnp/lsnp/internal/router"
	"github.com/lsnp/lsnp/internal/token"
	"github.com/lsnp/lsnp/internal/transport"
	"github.com/lsnp/lsnp/internal/uiadapter"
)

func main() {
	displayName := flag.String("name", "", "Display name broadcast in PROFILE (default: lsnp- plus 8 random hex characters)")
	port := flag.Int("port", config.Default().Port, "UDP port to bind and the well-known port every peer listens on")
	verbose := flag.Bool("verbose", false, "Print verbose_log events from the UI event bus (no service emits them; log levels are unchanged)")
	debugAddr := flag.String("debug-addr", "", "Loopback address to serve /healthz and /metrics on, e.g. 127.0.0.1:9090 (disabled if empty)")
	daemon := flag.Bool("daemon", false, "Run headless: no CLI, block until a shutdown signal")
	flag.Parse()

	cfg := config.Default()
	cfg.Port = *port
	cfg.Verbose = *verbose

	localIP, err := transport.PrimaryOutboundIP()
	if err != nil {
		log.Fatalf("failed to determine local IP: %v", err)
	}
	name := *displayName
	if name == "" {
		name = "lsnp-" + uuid.New().String()[:8]
	}
	selfUserID := fmt.Sprintf("%s@%s", name, localIP.String())

	log.Printf("=== LSNP Peer ===")
	log.Printf("User ID: %s", selfUserID)
	log.Printf("Port: %d", cfg.Port)

	tr, err := transport.New(transport.Options{Port: cfg.Port, RetrySchedule: cfg.RetrySchedule})
	if err != nil {
		log.Fatalf("failed to bind transport: %v", err)
	}
	defer tr.Close()

	revocation := token.NewRevocationSet(cfg.TokenTTL)
	checker := token.NewChecker(revocation)
	dc := dedupe.New(cfg.DedupeCap, cfg.DedupeTTL)
	r := router.New(dc, checker)
	bus := uiadapter.NewBus()
	reg := registry.New()

	pres := presence.New(presence.Self{UserID: selfUserID, DisplayName: name, Status: "online"}, reg, revocation, tr, bus, cfg)
	msg := messaging.New(selfUserID, tr, bus, cfg.TokenTTL)
	grp := group.New(selfUserID, cfg.Port, reg, tr, bus, cfg.TokenTTL)
	ft := filetransfer.New(selfUserID, cfg.Port, tr, bus, cfg.TokenTTL, cfg.FileChunkSize, cfg.FileWindow)
	gm := game.New(selfUserID, cfg.Port, reg, tr, bus, cfg.TokenTTL, cfg.StaleThreshold)

	pres.RegisterHandlers(r)
	msg.RegisterHandlers(r)
	grp.RegisterHandlers(r)
	ft.RegisterHandlers(r)
	gm.RegisterHandlers(r)

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); tr.Run(ctx) }()
	go func() { defer wg.Done(); router.Run(ctx, tr, r) }()
	go func() { defer wg.Done(); pres.Run(ctx) }()
	go func() { defer wg.Done(); gm.Run(ctx) }()

	go logEvents(bus, *verbose)
	go reportGauges(ctx, ft, gm)

	var dbg *debugserver.Server
	if *debugAddr != "" {
		dbg = debugserver.New(*debugAddr, reg)
		go func() {
			if err := dbg.ListenAndServe(); err != nil {
				log.Printf("debug server stopped: %v", err)
			}
		}()
	}

	go handleShutdown(cancel)

	if *daemon {
		log.Println("running in daemon mode, no CLI")
		<-ctx.Done()
	} else {
		runCLI(ctx, selfUserID, cfg.Port, reg, msg, grp, ft, gm)
		cancel()
	}

	wg.Wait()
	if dbg != nil {
		dbg.Close()
	}
}

func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down...")
	cancel()
}

// logEvents drains the UI bus and prints every event; a real terminal UI
// would render these instead (spec §6.4 leaves the UI out of scope here).
func logEvents(bus *uiadapter.Bus, verbose bool) {
	for e := range bus.Events() {
		if e.Kind == uiadapter.EventVerboseLog && !verbose {
			continue
		}
		log.Printf("[%s] %+v", e.Kind, e.Payload)
	}
}

// reportGauges keeps the debug-surface active-transfer/active-game gauges
// current; neither service self-reports since counting requires walking
// every session, a debug-surface concern rather than a protocol one.
func reportGauges(ctx context.Context, ft *filetransfer.Service, gm *game.Service) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ActiveFileTransfers.Set(float64(debugserver.CountActiveTransfers(ft.All())))
			metrics.ActiveGames.Set(float64(debugserver.CountActiveGames(gm.All())))
		}
	}
}

func resolveAddr(userID string, port int) *net.UDPAddr {
	_, ip, ok := strings.Cut(userID, "@")
	if !ok {
		return nil
	}
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
}

func runCLI(ctx context.Context, selfUserID string, port int, reg *registry.Registry, msg *messaging.Service, grp *group.Service, ft *filetransfer.Service, gm *game.Service) {
	scanner := bufio.NewScanner(os.Stdin)

	fmt.Println("\nCommands:")
	fmt.Println("  peers                          - list known peers")
	fmt.Println("  chat <user@ip> <text>          - send a direct message")
	fmt.Println("  post <text>                    - broadcast a post")
	fmt.Println("  like <post_id>                 - like a post")
	fmt.Println("  group create <name> <members>  - create a group (comma-separated members)")
	fmt.Println("  group chat <group_id> <text>   - send to a group")
	fmt.Println("  file offer <user@ip> <path>    - offer a file")
	fmt.Println("  file accept|reject <id>        - answer a pending offer")
	fmt.Println("  game invite <user@ip>          - invite to Tic-Tac-Toe")
	fmt.Println("  game accept|decline <id>       - answer a pending invite")
	fmt.Println("  game move <id> <0-8>           - play a position")
	fmt.Println("  game resign <id>               - resign an active game")
	fmt.Println("  status                         - show local status")
	fmt.Println("  quit                           - exit")
	fmt.Println()

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		cmd := parts[0]
		var rest string
		if len(parts) > 1 {
			rest = parts[1]
		}

		switch cmd {
		case "peers":
			cmdPeers(reg)
		case "chat":
			cmdChat(ctx, msg, port, rest)
		case "post":
			cmdPost(ctx, msg, rest)
		case "like":
			cmdLike(ctx, msg, rest)
		case "group":
			cmdGroup(ctx, grp, rest)
		case "file":
			cmdFile(ctx, ft, rest)
		case "game":
			cmdGame(ctx, gm, rest)
		case "status":
			fmt.Printf("self: %s\n", selfUserID)
		case "quit", "exit":
			fmt.Println("bye")
			return
		default:
			fmt.Println("unknown command:", cmd)
		}
	}
}

func cmdPeers(reg *registry.Registry) {
	for _, p := range reg.All() {
		fmt.Printf("%-30s %-10s active=%v last_seen=%s\n", p.UserID, p.Status, p.Active, p.LastSeen.Format(time.RFC3339))
	}
}

func cmdChat(ctx context.Context, msg *messaging.Service, port int, rest string) {
	parts := strings.SplitN(rest, " ", 2)
	if len(parts) < 2 {
		fmt.Println("usage: chat <user@ip> <text>")
		return
	}
	dest := resolveAddr(parts[0], port)
	if dest == nil {
		fmt.Println("cannot resolve address for", parts[0])
		return
	}
	messageID, result := msg.SendChat(ctx, parts[0], dest, parts[1])
	fmt.Printf("sent %s, waiting for delivery...\n", messageID)
	go func() {
		fmt.Printf("chat %s: %s\n", messageID, <-result)
	}()
}

func cmdPost(ctx context.Context, msg *messaging.Service, content string) {
	if content == "" {
		fmt.Println("usage: post <text>")
		return
	}
	postID, err := msg.Publish(ctx, content)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("posted", postID)
}

func cmdLike(ctx context.Context, msg *messaging.Service, postID string) {
	if postID == "" {
		fmt.Println("usage: like <post_id>")
		return
	}
	if err := msg.Like(ctx, postID); err != nil {
		fmt.Println("error:", err)
	}
}

func cmdGroup(ctx context.Context, grp *group.Service, rest string) {
	parts := strings.SplitN(rest, " ", 2)
	if len(parts) < 2 {
		fmt.Println("usage: group create <name> <m1,m2,...> | group chat <group_id> <text>")
		return
	}
	sub, arg := parts[0], parts[1]
	switch sub {
	case "create":
		fields := strings.SplitN(arg, " ", 2)
		if len(fields) < 2 {
			fmt.Println("usage: group create <name> <m1,m2,...>")
			return
		}
		members := strings.Split(fields[1], ",")
		groupID, err := grp.Create(ctx, fields[0], members)
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Println("created group", groupID)
	case "chat":
		fields := strings.SplitN(arg, " ", 2)
		if len(fields) < 2 {
			fmt.Println("usage: group chat <group_id> <text>")
			return
		}
		messageID, result := grp.SendGroupChat(ctx, fields[0], fields[1])
		go func() {
			fmt.Printf("group chat %s: %s\n", messageID, <-result)
		}()
	default:
		fmt.Println("unknown group subcommand:", sub)
	}
}

func cmdFile(ctx context.Context, ft *filetransfer.Service, rest string) {
	parts := strings.SplitN(rest, " ", 2)
	if len(parts) < 1 {
		fmt.Println("usage: file offer|accept|reject ...")
		return
	}
	switch parts[0] {
	case "offer":
		if len(parts) < 2 {
			fmt.Println("usage: file offer <user@ip> <path>")
			return
		}
		args := strings.SplitN(parts[1], " ", 2)
		if len(args) < 2 {
			fmt.Println("usage: file offer <user@ip> <path>")
			return
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		transferID, result, err := ft.Offer(ctx, args[0], args[1], data)
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Println("offered", transferID)
		go func() {
			fmt.Printf("offer %s: %s\n", transferID, <-result)
		}()
	case "accept":
		if len(parts) < 2 {
			fmt.Println("usage: file accept <transfer_id>")
			return
		}
		if err := ft.Accept(ctx, parts[1]); err != nil {
			fmt.Println("error:", err)
		}
	case "reject":
		if len(parts) < 2 {
			fmt.Println("usage: file reject <transfer_id>")
			return
		}
		if err := ft.Reject(ctx, parts[1]); err != nil {
			fmt.Println("error:", err)
		}
	default:
		fmt.Println("unknown file subcommand:", parts[0])
	}
}

func cmdGame(ctx context.Context, gm *game.Service, rest string) {
	parts := strings.SplitN(rest, " ", 2)
	if len(parts) < 1 {
		fmt.Println("usage: game invite|accept|decline|move|resign ...")
		return
	}
	switch parts[0] {
	case "invite":
		if len(parts) < 2 {
			fmt.Println("usage: game invite <user@ip>")
			return
		}
		gameID, err := gm.Invite(ctx, parts[1], game.SymbolX)
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Println("invited, game id", gameID)
	case "accept":
		if len(parts) < 2 {
			fmt.Println("usage: game accept <game_id>")
			return
		}
		if err := gm.AcceptInvite(ctx, parts[1]); err != nil {
			fmt.Println("error:", err)
		}
	case "decline":
		if len(parts) < 2 {
			fmt.Println("usage: game decline <game_id>")
			return
		}
		if err := gm.DeclineInvite(ctx, parts[1]); err != nil {
			fmt.Println("error:", err)
		}
	case "move":
		if len(parts) < 2 {
			fmt.Println("usage: game move <game_id> <0-8>")
			return
		}
		args := strings.SplitN(parts[1], " ", 2)
		if len(args) < 2 {
			fmt.Println("usage: game move <game_id> <0-8>")
			return
		}
		position, err := strconv.Atoi(strings.TrimSpace(args[1]))
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		if err := gm.Move(ctx, args[0], position); err != nil {
			fmt.Println("error:", err)
		}
	case "resign":
		if len(parts) < 2 {
			fmt.Println("usage: game resign <game_id>")
			return
		}
		if err := gm.Resign(ctx, parts[1]); err != nil {
			fmt.Println("error:", err)
		}
	default:
		fmt.Println("unknown game subcommand:", parts[0])
	}
}
