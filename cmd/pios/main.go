// pios boots the kernel on a simulated multiprocessor and runs a process
// check: the root process spawns children that print and spin, collects
// them, then spawns one that faults and collects its trap.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"pios/pkg/kernel"
	"pios/pkg/machine"
	"pios/pkg/trap"
)

const (
	progOrg   = 0x1000
	rootStack = 0x80000
)

func main() {
	cfg := kernel.DefaultConfig()
	verbose := false

	if env := os.Getenv("PIOS_CPUS"); env != "" {
		n, err := strconv.Atoi(env)
		if err != nil {
			log.Fatalf("PIOS_CPUS: %v", err)
		}
		cfg.CPUs = n
	}
	if env := os.Getenv("PIOS_TIMER"); env != "" {
		n, err := strconv.Atoi(env)
		if err != nil {
			log.Fatalf("PIOS_TIMER: %v", err)
		}
		cfg.TimerPeriod = n
	}
	if os.Getenv("PIOS_VERBOSE") == "true" {
		verbose = true
	}

	fs := flag.NewFlagSet("pios", flag.ExitOnError)
	fs.IntVar(&cfg.CPUs, "cpus", cfg.CPUs, "number of CPUs")
	fs.IntVar(&cfg.TimerPeriod, "timer", cfg.TimerPeriod, "instructions between timer interrupts")
	fs.BoolVar(&verbose, "v", verbose, "log kernel events to stderr")
	children := fs.Int("children", 4, "number of children to spawn")
	spin := fs.Int("spin", 5000, "loop iterations per child")
	timeout := fs.Duration("timeout", 30*time.Second, "give up after this long")
	fs.Parse(os.Args[1:])

	cfg.Console = os.Stdout
	cfg.Logger = log.New(io.Discard, "", 0)
	if verbose {
		cfg.Logger = log.New(os.Stderr, "pios: ", log.Lmicroseconds)
	}
	if *children < 0 || *children >= cfg.MaxChildren {
		log.Fatalf("children must be in [0, %d)", cfg.MaxChildren)
	}
	if *spin < 1 {
		log.Fatalf("spin must be positive")
	}

	k, err := kernel.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create kernel: %v", err)
	}

	a, code, err := machine.Build(progOrg, func(a *machine.Assembler, addr func(string) uint32) {
		procCheck(a, addr, *children, uint32(*spin))
	})
	if err != nil {
		log.Fatalf("Failed to assemble proc_check: %v", err)
	}
	if err := k.Load(progOrg, code); err != nil {
		log.Fatalf("Failed to load proc_check: %v", err)
	}
	if _, err := k.Boot(progOrg, rootStack); err != nil {
		log.Fatalf("Failed to boot: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if err := k.Run(ctx); err != nil {
		log.Fatalf("Kernel halted: %v", err)
	}
	fmt.Printf("\n--- %d processes, %d CPUs, %v ---\n", k.Processes().Count(), k.NumCPU(), time.Since(start).Round(time.Millisecond))

	for _, p := range k.Processes().Processes() {
		u := p.Usage()
		f := p.Saved()
		fmt.Printf("%-24v %-8s dispatches %-4d retired %-8d last trap %-16s eip %#x\n",
			p, p.State(), u.Dispatches, u.Retired, f.Vector(), f.EIP)
	}

	faultAt, _ := a.Addr("faulter")
	fault := readFrame(k, a, "result_fault")
	fmt.Printf("faulting child reported %s at eip %#x (faulter at %#x)\n", fault.Vector(), fault.EIP, faultAt)
}

// procCheck emits the root program and its children.
func procCheck(a *machine.Assembler, addr func(string) uint32, n int, spin uint32) {
	kernel.SysCputsCode(a, "msg_start")
	for i := 0; i < n; i++ {
		kernel.SysPutCode(a, kernel.SysRegs|kernel.SysStart, uint32(i), fmt.Sprintf("regs%d", i))
	}
	for i := 0; i < n; i++ {
		kernel.SysGetCode(a, kernel.SysRegs, uint32(i), "result")
	}
	kernel.SysCputsCode(a, "msg_spawned")

	kernel.SysPutCode(a, kernel.SysRegs|kernel.SysStart, uint32(n), "regs_fault")
	kernel.SysGetCode(a, kernel.SysRegs, uint32(n), "result_fault")
	kernel.SysCputsCode(a, "msg_done")
	kernel.SysRetCode(a)

	a.Label("child")
	kernel.SysCputsCode(a, "msg_child")
	a.MovI(trap.ECX, spin).MovI(trap.ESI, 0)
	a.Label("spin")
	a.AddI(trap.ECX, -1).Cmp(trap.ECX, trap.ESI).Jne("spin")
	kernel.SysRetCode(a)

	a.Label("faulter")
	a.Ud2()

	a.Label("msg_start").String("proc_check: spawning children\n")
	a.Label("msg_child").String("child: hello\n")
	a.Label("msg_spawned").String("proc_check: children collected\n")
	a.Label("msg_done").String("proc_check: done\n")
	a.Space(kernel.CputsMax)

	a.Align(4)
	for i := 0; i < n; i++ {
		a.Label(fmt.Sprintf("regs%d", i))
		kernel.SysFrame(a, addr("child"), rootStack-uint32(i+1)*0x1000)
	}
	a.Label("regs_fault")
	kernel.SysFrame(a, addr("faulter"), rootStack-uint32(n+1)*0x1000)
	a.Label("result").Space(trap.FrameSize)
	a.Label("result_fault").Space(trap.FrameSize)
}

func readFrame(k *kernel.Kernel, a *machine.Assembler, label string) trap.Frame {
	var f trap.Frame
	addr, err := a.Addr(label)
	if err != nil {
		log.Fatalf("%v", err)
	}
	buf := make([]byte, trap.FrameSize)
	if err := k.Memory().Read(addr, buf); err != nil {
		log.Fatalf("Failed to read %s: %v", label, err)
	}
	if err := f.UnmarshalBinary(buf); err != nil {
		log.Fatalf("Failed to decode %s: %v", label, err)
	}
	return f
}
