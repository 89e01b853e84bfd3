// Package workload holds the user programs that exercise shared memory:
// ShmTest shares a malloc'd buffer between a parent and a forked child, and
// LogTest has several children append to one shared page concurrently.
package workload

import (
	"github.com/srediag/kernel-shm/pkg/kernel"
)

// ShmBufferSize is the size of the buffer ShmTest shares.
const ShmBufferSize = 120

// ShmTest returns the shared buffer program. The parent writes a value,
// forks a child that maps the parent's buffer and overwrites it, and then
// reads the child's value back from its own memory. With noUnmap the child
// exits without unmapping and the kernel reclaims the mapping.
func ShmTest(noUnmap bool) kernel.Program {
	return func(u *kernel.User) int {
		parentPid := u.Getpid()
		pointer, err := u.Malloc(ShmBufferSize)
		if err != nil {
			u.Printf("malloc failed\n")
			return 1
		}
		if err := u.Strcpy(pointer, "Initial parent value"); err != nil {
			return 1
		}

		_, err = u.Fork(func(c *kernel.User) int {
			return shmChild(c, parentPid, pointer, noUnmap)
		})
		if err != nil {
			u.Printf("fork failed\n")
			return 1
		}

		before := u.Size()
		u.Printf("Parent: Before child mapping: %s\n", ptr(before))

		_, status, err := u.Wait()
		if err != nil {
			u.Printf("wait failed\n")
			return 1
		}

		s, err := u.ReadString(pointer, ShmBufferSize)
		if err != nil {
			return 1
		}
		u.Printf("Parent: Reads from shared memory: %s\n", s)

		after := u.Size()
		u.Printf("Parent: After child exit: %s\n", ptr(after))
		u.Printf("Parent: Memory diff after child: %d bytes\n", int64(after-before))
		u.Printf("Parent: Skipping unmap_shared_pages (not mapped by parent)\n")
		return status
	}
}

func shmChild(c *kernel.User, parentPid int, pointer uint64, noUnmap bool) int {
	myPid := c.Getpid()

	sizeBefore := c.Size()
	c.Printf("Child: Size before mapping: %s\n", ptr(sizeBefore))

	_ = c.Sleep(3)

	shared, err := c.MapSharedPages(parentPid, myPid, pointer, ShmBufferSize)
	if err != nil {
		c.Printf("Child: map_shared_pages failed\n")
		return 1
	}
	c.Printf("Child: Size after mapping: %s\n", ptr(c.Size()))

	if err := c.Strcpy(shared, "Hello daddy"); err != nil {
		return 1
	}

	if noUnmap {
		c.Printf("Child: Skipping unmap (testing kernel cleanup after exit)\n")
		return 0
	}

	if err := c.UnmapSharedPages(myPid, shared, ShmBufferSize); err != nil {
		c.Printf("Child: unmap_shared_pages failed\n")
		return 1
	}
	sizeAfter := c.Size()
	c.Printf("Child: Size after unmapping: %s\n", ptr(sizeAfter))

	status := 0
	if sizeAfter == sizeBefore {
		c.Printf("Child: Memory size returned to original \n")
	} else {
		c.Printf("Child: Memory size mismatch after unmap \n")
		status = 2
	}

	// the reclaimed range must be usable again
	p, err := c.Malloc(ShmBufferSize)
	if err != nil {
		c.Printf("Child: malloc after unmap failed\n")
		return 1
	}
	c.Printf("Child: Size after malloc: %s\n", ptr(c.Size()))
	c.Free(p)
	return status
}
