package vm

import (
	"fmt"

	"github.com/srediag/kernel-shm/api"
)

// PageBytes returns the memory of the user page containing va. The slice
// aliases the frame and stays valid only while the mapping does.
func (pt *PageTable) PageBytes(va uint64) ([]byte, error) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.userPage(va, 0)
}

func (pt *PageTable) userPage(va uint64, need uint64) ([]byte, error) {
	_, pte, err := pt.walk(PGROUNDDOWN(va), false)
	if err != nil {
		return nil, err
	}
	if pte == nil || !pte.Valid() || !pte.User() || uint64(*pte)&need != need {
		return nil, fmt.Errorf("vm: bad user address %#x: %w", va, api.ErrInvalidArgument)
	}
	return pt.frames.Bytes(PTE2PA(*pte)), nil
}

// CopyOut copies src to user address va.
func (pt *PageTable) CopyOut(va uint64, src []byte) error {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	for len(src) > 0 {
		page, err := pt.userPage(va, PTE_W)
		if err != nil {
			return err
		}
		n := copy(page[va-PGROUNDDOWN(va):], src)
		src = src[n:]
		va += uint64(n)
	}
	return nil
}

// CopyIn fills dst from user address va.
func (pt *PageTable) CopyIn(dst []byte, va uint64) error {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	for len(dst) > 0 {
		page, err := pt.userPage(va, PTE_R)
		if err != nil {
			return err
		}
		n := copy(dst, page[va-PGROUNDDOWN(va):])
		dst = dst[n:]
		va += uint64(n)
	}
	return nil
}

// CopyInString reads a NUL-terminated string of at most max bytes from va.
func (pt *PageTable) CopyInString(va uint64, max int) (string, error) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	out := make([]byte, 0, 64)
	for len(out) < max {
		page, err := pt.userPage(va, PTE_R)
		if err != nil {
			return "", err
		}
		for _, c := range page[va-PGROUNDDOWN(va):] {
			if c == 0 {
				return string(out), nil
			}
			out = append(out, c)
			if len(out) == max {
				break
			}
		}
		va = PGROUNDDOWN(va) + PGSIZE
	}
	return "", fmt.Errorf("vm: string at %#x longer than %d: %w", va, max, api.ErrInvalidArgument)
}
