package main

import (
	"flag"
	"os"
	"strconv"

	"github.com/sozu-proxy/control-plane/internal/channel"
	"github.com/sozu-proxy/control-plane/internal/errs"
	"github.com/sozu-proxy/control-plane/internal/logging"
	"github.com/sozu-proxy/control-plane/internal/wire"
	"github.com/sozu-proxy/control-plane/internal/workerproc"
)

// runWorker implements the child side of spec.md §4.4: logging initialized
// as "<tag>-<id>" from argv, then workerproc.Run, which performs the
// blocking handshake over the inherited fd named in --fd and runs the
// control loop. Logging is therefore set up before the handshake is read.
func runWorker(args []string) error {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fd := fs.Int("fd", -1, "inherited control channel fd")
	tag := fs.String("tag", "", "listener tag this worker serves")
	id := fs.Int("id", -1, "numeric worker id")
	bufSize := fs.Int("channel-buffer-size", wire.DefaultChannelBufferSize, "channel read/write target buffer size")
	bufMax := fs.Int("channel-buffer-max-size", wire.DefaultChannelBufferMax, "channel read/write hard-max buffer size")
	if err := fs.Parse(args); err != nil {
		return errs.Wrap(errs.Protocol, "parsing worker flags", err)
	}
	if *fd < 0 || *tag == "" || *id < 0 {
		return errs.New(errs.Protocol, "worker mode requires --fd, --tag and --id")
	}

	f := os.NewFile(uintptr(*fd), "control")
	if f == nil {
		return errs.New(errs.Protocol, "invalid --fd")
	}
	target := *bufSize
	if target <= 0 {
		target = wire.DefaultChannelBufferSize
	}
	max := *bufMax
	if max <= 0 {
		max = target * 2
	}
	ch := channel.New[wire.WorkerFrame](f, target, max)

	// spec.md §4.4 step 5: "initialize logging with name <tag>-<id>".
	log := logging.Setup(*tag+"-"+strconv.Itoa(*id), "info")

	_, err := workerproc.Run(ch, log)
	return err
}
