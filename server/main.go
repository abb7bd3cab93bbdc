// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/thejerf/suture/v4"
	"github.com/urfave/cli"

	"github.com/uapnet/uap/std"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		// Enable timestamps + file:line to simplify debugging self-built binaries.
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "server"
	myApp.Usage = "UAP server"
	myApp.UsageText = "server [options] <port>"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "listen,l",
			Value: ":29999",
			Usage: `listen address, eg: "IP:29999" for a single port, "IP:minport-maxport" for a port range`,
		},
		cli.IntFlag{
			Name:  "workers",
			Value: 4,
			Usage: "number of worker shards; packets of one session always land on the same shard",
		},
		cli.IntFlag{
			Name:  "idle",
			Value: 30,
			Usage: "seconds of silence after which a session is closed",
		},
		cli.IntFlag{
			Name:  "sweep",
			Value: 5,
			Usage: "seconds between idle-session sweeps",
		},
		cli.IntFlag{
			Name:  "sockbuf",
			Value: 4194304, // socket buffer size in bytes
			Usage: "per-socket buffer in bytes",
		},
		cli.BoolFlag{
			Name:  "comp",
			Usage: "expect snappy-compressed DATA payloads (must match the clients)",
		},
		cli.StringFlag{
			Name:  "snmplog",
			Value: "",
			Usage: "collect snmp to file, aware of timeformat in golang, like: ./snmp-20060102.log",
		},
		cli.IntFlag{
			Name:  "snmpperiod",
			Value: 60,
			Usage: "snmp collect period, in seconds",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "to suppress latency and lifecycle diagnostics",
		},
		cli.BoolFlag{
			Name:  "pprof",
			Usage: "start profiling server on :6060",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "", // when set, the JSON file must exist on disk
			Usage: "config from json file, which will override the command from shell",
		},
	}
	myApp.Action = func(c *cli.Context) error {
		config := Config{}
		config.Listen = c.String("listen")
		config.Workers = c.Int("workers")
		config.Idle = c.Int("idle")
		config.Sweep = c.Int("sweep")
		config.SockBuf = c.Int("sockbuf")
		config.Comp = c.Bool("comp")
		config.SnmpLog = c.String("snmplog")
		config.SnmpPeriod = c.Int("snmpperiod")
		config.Log = c.String("log")
		config.Quiet = c.Bool("quiet")
		config.Pprof = c.Bool("pprof")

		if c.String("c") != "" {
			// Only JSON configuration files are supported at the moment.
			err := parseJSONConfig(&config, c.String("c"))
			checkError(err)
		}

		// the classic invocation form: server <port>
		if port := c.Args().First(); port != "" {
			config.Listen = ":" + port
		}

		// Redirect logs when the user supplied a dedicated log file.
		if config.Log != "" {
			f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			checkError(err)
			defer f.Close()
			log.SetOutput(f)
		}

		if config.Workers <= 0 {
			log.Printf("workers %d is not positive, falling back to 4", config.Workers)
			config.Workers = 4
		}
		if config.Sweep <= 0 {
			config.Sweep = 5
		}
		if config.Idle <= 0 {
			config.Idle = 30
		}
		if config.Sweep >= config.Idle {
			color.Red("WARNING: sweep period %ds is not smaller than the idle timeout %ds.", config.Sweep, config.Idle)
			color.Red("Sessions may linger for up to a full extra sweep.")
		}

		log.Println("version:", VERSION)
		log.Println("listening on:", config.Listen)
		log.Println("workers:", config.Workers)
		log.Println("idle timeout:", config.Idle)
		log.Println("sweep period:", config.Sweep)
		log.Println("sockbuf:", config.SockBuf)
		log.Println("compression:", config.Comp)
		log.Println("snmplog:", config.SnmpLog)
		log.Println("snmpperiod:", config.SnmpPeriod)
		log.Println("quiet:", config.Quiet)
		log.Println("pprof:", config.Pprof)

		// Start the SNMP logger if the feature is enabled.
		go std.SnmpLogger(config.SnmpLog, config.SnmpPeriod)

		// Start the pprof server if the feature is enabled.
		if config.Pprof {
			go http.ListenAndServe(":6060", nil)
		}

		// Parse the listen address which may contain a port range.
		mp, err := std.ParseMultiPort(config.Listen)
		if err != nil {
			log.Println(err)
			return err
		}

		// Bind every port in the range. The first socket carries all replies.
		var conns []*net.UDPConn
		for port := mp.MinPort; port <= mp.MaxPort; port++ {
			listenAddr := fmt.Sprintf("%v:%v", mp.Host, port)
			addr, err := net.ResolveUDPAddr("udp", listenAddr)
			checkError(err)
			conn, err := net.ListenUDP("udp", addr)
			checkError(err)
			if err := conn.SetReadBuffer(config.SockBuf); err != nil {
				log.Println("SetReadBuffer:", err)
			}
			if err := conn.SetWriteBuffer(config.SockBuf); err != nil {
				log.Println("SetWriteBuffer:", err)
			}
			fmt.Printf("Server listening on port %v...\n", port)
			conns = append(conns, conn)
		}

		srv := newServer(conns[0], config.Workers, os.Stdout, config.Comp, config.Quiet)

		// One receiver per socket, one worker per shard, one cleaner; all
		// under a single supervisor so a crashed component restarts alone.
		supervisor := suture.NewSimple("uap-server")
		for _, conn := range conns {
			supervisor.Add(&receiver{srv: srv, conn: conn})
		}
		for i := 0; i < config.Workers; i++ {
			supervisor.Add(&shardWorker{id: i, srv: srv})
		}
		supervisor.Add(&cleaner{
			srv:     srv,
			period:  time.Duration(config.Sweep) * time.Second,
			maxIdle: time.Duration(config.Idle) * time.Second,
		})

		ctx, cancel := context.WithCancel(context.Background())
		errc := supervisor.ServeBackground(ctx)

		// Operator console: 'q' on a TTY, EOF, or a signal shuts us down.
		lines := std.LineReader(os.Stdin)
		isTTY := std.StdinIsTTY()
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	console:
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					break console
				}
				if isTTY && strings.TrimSpace(line) == "q" {
					break console
				}
			case s := <-sigc:
				log.Println("signal:", s)
				break console
			}
		}

		fmt.Println("Shutting down, sending GOODBYE to clients...")
		cancel()
		<-errc

		// Tell every known peer the server is gone, cleaner-style.
		for _, peer := range srv.registry.snapshotAddresses() {
			srv.sendFarewell(peer.sid, peer.addr)
		}
		for _, conn := range conns {
			conn.Close()
		}
		return nil
	}
	myApp.Run(os.Args)
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}
