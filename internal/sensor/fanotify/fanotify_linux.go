//go:build linux

package fanotify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/threatflux/edrcore/internal/event"
)

// Fanotify constants (kernel ABI — never change). These mirror
// <linux/fanotify.h> and are not exposed by the standard syscall package.
const (
	sysFanotifyInit = 300
	sysFanotifyMark = 301

	fanCloexec        = 0x00000001
	fanClassPreContent = 0x00000008
	fanUnlimitedQueue = 0x00000010
	fanUnlimitedMarks = 0x00000020

	fanMarkAdd        = 0x00000001
	fanMarkMount      = 0x00000010
	fanMarkFilesystem = 0x00000100

	fanOpen         uint64 = 0x00000020
	fanOpenExec     uint64 = 0x00001000
	fanAccessPerm   uint64 = 0x00020000
	fanOpenPerm     uint64 = 0x00010000
	fanOpenExecPerm uint64 = 0x00040000

	fanAllow uint32 = 0x01
	fanDeny  uint32 = 0x02

	fanotifyMetadataVersion = 3
)

const execMask = fanOpenExecPerm | fanOpenExec

// eventMetadata mirrors struct fanotify_event_metadata.
type eventMetadata struct {
	EventLen    uint32
	Vers        uint8
	Reserved    uint8
	MetadataLen uint16
	Mask        uint64
	FD          int32
	PID         int32
}

// response mirrors struct fanotify_response.
type response struct {
	FD       int32
	Response uint32
}

var eventMetadataSize = int(unsafe.Sizeof(eventMetadata{}))

// defaultMountPoints is the fallback mark set used when marking the "/"
// mount fails (e.g. overlay or container root restrictions),
// matching the original's degrade-to-specific-directories behavior.
var defaultMountPoints = []string{"/usr", "/bin", "/sbin", "/opt", "/home"}

// linuxSensor is the real fanotify-backed Filesystem Sensor.
type linuxSensor struct {
	logger  *slog.Logger
	decider Decider
	deadline time.Duration

	fd    int
	pipeR int
	pipeW int

	events   chan event.RawEvent
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates the fanotify-backed Filesystem Sensor. Requires CAP_SYS_ADMIN
// (in practice, root). deadline bounds how long Decide may take to answer a
// single permission event; 200ms is used if deadline <= 0.
func New(logger *slog.Logger, decider Decider, deadline time.Duration) (Sensor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deadline <= 0 {
		deadline = 200 * time.Millisecond
	}

	fd, _, errno := syscall.Syscall(sysFanotifyInit,
		uintptr(fanCloexec|fanClassPreContent|fanUnlimitedQueue|fanUnlimitedMarks),
		uintptr(syscall.O_RDONLY|syscall.O_LARGEFILE),
		0)
	if errno != 0 {
		return nil, fmt.Errorf("fanotify: fanotify_init: %w", errno)
	}

	var pipeFds [2]int
	if err := syscall.Pipe2(pipeFds[:], syscall.O_CLOEXEC); err != nil {
		syscall.Close(int(fd))
		return nil, fmt.Errorf("fanotify: pipe2: %w", err)
	}

	s := &linuxSensor{
		logger:   logger,
		decider:  decider,
		deadline: deadline,
		fd:       int(fd),
		pipeR:    pipeFds[0],
		pipeW:    pipeFds[1],
		events:   make(chan event.RawEvent, 256),
	}
	return s, nil
}

func (s *linuxSensor) addMark(flags uintptr, mask uint64, path string) error {
	pathBytes, err := syscall.BytePtrFromString(path)
	if err != nil {
		return err
	}
	_, _, errno := syscall.Syscall6(sysFanotifyMark,
		uintptr(s.fd),
		uintptr(fanMarkAdd)|flags,
		uintptr(mask),
		uintptr(atFDCWD),
		uintptr(unsafe.Pointer(pathBytes)),
		0)
	if errno != 0 {
		return errno
	}
	return nil
}

// atFDCWD is the dirfd value meaning "resolve path relative to the current
// working directory", per <fcntl.h>. fanotify_mark requires some dirfd even
// when path is absolute.
var atFDCWD = -100

func (s *linuxSensor) Start(ctx context.Context) error {
	accessMask := fanOpen
	if err := s.addMark(uintptr(fanMarkMount), execMask|accessMask, "/"); err != nil {
		s.logger.Warn("fanotify: failed to mark root filesystem; falling back to specific directories", slog.Any("error", err))
		for _, p := range defaultMountPoints {
			if _, statErr := os.Stat(p); statErr != nil {
				continue
			}
			if markErr := s.addMark(uintptr(fanMarkMount), execMask|accessMask, p); markErr != nil {
				s.logger.Warn("fanotify: failed to mark path", slog.String("path", p), slog.Any("error", markErr))
			}
		}
	}

	s.wg.Add(1)
	go s.run()
	return nil
}

func (s *linuxSensor) Stop() {
	s.stopOnce.Do(func() {
		syscall.Write(s.pipeW, []byte{0}) //nolint:errcheck
		s.wg.Wait()
		syscall.Close(s.pipeW)
		syscall.Close(s.pipeR)
		syscall.Close(s.fd)
		close(s.events)
	})
}

func (s *linuxSensor) Events() <-chan event.RawEvent { return s.events }

func (s *linuxSensor) run() {
	defer s.wg.Done()

	buf := make([]byte, 8192)
	pollFds := []syscall.PollFd{
		{Fd: int32(s.fd), Events: syscall.POLLIN},
		{Fd: int32(s.pipeR), Events: syscall.POLLIN},
	}

	for {
		_, err := syscall.Poll(pollFds, -1)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			s.logger.Warn("fanotify: poll error", slog.Any("error", err))
			return
		}

		if pollFds[1].Revents&syscall.POLLIN != 0 {
			return
		}
		if pollFds[0].Revents&syscall.POLLIN == 0 {
			continue
		}

		n, err := syscall.Read(s.fd, buf)
		if err != nil {
			s.logger.Warn("fanotify: read error", slog.Any("error", err))
			return
		}
		s.parseAndDispatch(buf[:n])
	}
}

func (s *linuxSensor) parseAndDispatch(buf []byte) {
	offset := 0
	for offset+eventMetadataSize <= len(buf) {
		meta := (*eventMetadata)(unsafe.Pointer(&buf[offset]))
		if meta.Vers != fanotifyMetadataVersion {
			s.logger.Warn("fanotify: unsupported metadata version", slog.Int("vers", int(meta.Vers)))
			return
		}
		if meta.EventLen == 0 {
			return
		}

		path := s.pathFromFD(meta.FD)
		isPerm := meta.Mask&(fanOpenPerm|fanAccessPerm|fanOpenExecPerm) != 0

		if isPerm {
			s.handlePermissionEvent(meta, path)
		} else {
			select {
			case s.events <- event.RawEvent{Kind: event.KindFileAccess, PID: meta.PID, Path: path}:
			default:
				s.logger.Warn("fanotify: event channel full, dropping notification event")
			}
		}

		if meta.FD >= 0 {
			syscall.Close(int(meta.FD))
		}
		offset += int(meta.EventLen)
	}
}

func (s *linuxSensor) pathFromFD(fd int32) string {
	if fd < 0 {
		return ""
	}
	link, err := os.Readlink(filepath.Join("/proc/self/fd", strconv.Itoa(int(fd))))
	if err != nil {
		return ""
	}
	return link
}

// handlePermissionEvent synchronously decides whether to allow the gated
// open/exec and writes the fanotify response before returning. This is the
// sole owner of the 200ms-class decision deadline: it constructs the
// context here and passes it to Decide, resolving the original design's
// ambiguity about who starts the clock.
func (s *linuxSensor) handlePermissionEvent(meta *eventMetadata, path string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.deadline)
	defer cancel()

	allow, _, reason := s.decider.Decide(ctx, meta.PID, path)

	resp := response{FD: meta.FD, Response: fanAllow}
	if !allow {
		resp.Response = fanDeny
	}

	if _, err := syscall.Write(s.fd, (*[unsafe.Sizeof(response{})]byte)(unsafe.Pointer(&resp))[:]); err != nil {
		s.logger.Error("fanotify: failed to write permission response", slog.Any("error", err))
	}

	s.logger.Debug("fanotify: permission event decided",
		slog.String("path", path),
		slog.Bool("allow", allow),
		slog.String("reason", reason),
	)
}
