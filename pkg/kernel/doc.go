/*
Package kernel implements the trap, system call and scheduling core of the
kernel on top of the simulated machine.

Every CPU runs a loop in its own goroutine. The loop resumes a process on
the CPU's Core, which executes user code until something traps, and hands
the trap to Kernel.Trap. Trap handlers never switch context themselves:
they return a Dispatch that tells the loop to resume a frame, look for a
ready process or halt.

# System Calls

A process invokes the kernel with INT 0x30. EAX holds the command, EDX a
child slot and EBX a user pointer:

	SysCputs            print the string at EBX
	SysPut [|SysRegs] [|SysStart]
	                    create the child in slot EDX if needed, load its
	                    registers from the frame at EBX, start it
	SysGet [|SysRegs]   wait for the child in slot EDX to stop, then copy
	                    its registers to EBX
	SysRet              stop and return control to the parent

A fault in user mode stops the process as if it had called SysRet, and
its parent finds the trap number and faulting EIP in the frame SysGet
returns. A bad pointer passed to a system call is blamed on the system
call instruction the same way.

# Usage

	k, err := kernel.New(kernel.DefaultConfig())
	if err != nil {
		log.Fatal(err)
	}
	if err := k.Load(0x1000, image); err != nil {
		log.Fatal(err)
	}
	if _, err := k.Boot(0x1000, 0x80000); err != nil {
		log.Fatal(err)
	}
	err = k.Run(ctx)
*/
package kernel
