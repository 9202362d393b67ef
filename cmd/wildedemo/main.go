// Command wildedemo exercises the allocator shim end-to-end for manual
// poking: allocate a handful of blocks under a chosen configuration, free
// half of them, dump the alias directory and VMA free list, and free the
// rest.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/WorkOfArtiz/Wilde/buddy"
	"github.com/WorkOfArtiz/Wilde/mem"
	"github.com/WorkOfArtiz/Wilde/shim"
)

func main() {
	var (
		arenaMB  = flag.Int("arena-mb", 64, "backing arena size in MiB")
		guard    = flag.Bool("guard", false, "enable trailing guard pages (shaun)")
		wide     = flag.Bool("wide-guard", false, "enable wide quarantine guards (blacksheep)")
		aslr     = flag.Bool("aslr", false, "randomise placement within the admitting VMA")
		nx       = flag.Bool("nx", false, "mark every mapping non-executable")
		kellogs  = flag.Bool("kellogs", false, "route allocations through the size-classing frontend")
		initFill = flag.Bool("init-fill", true, "fill newly allocated memory")
		fillByte = flag.Int("fill-byte", 0, "init-fill byte value")
		annotate = flag.Bool("annotate", true, "record the call site of each live allocation")
		count    = flag.Int("count", 8, "number of demo allocations")
	)
	flag.Parse()

	arena, err := buddy.NewArena(uintptr(*arenaMB) << 20)
	if err != nil {
		log.Fatalf("wildedemo: NewArena: %v", err)
	}
	defer arena.Close()

	cfg := shim.Config{
		GuardPage:         *guard,
		WideGuard:         *wide,
		ASLR:              *aslr,
		NX:                *nx,
		Kellogs:           *kellogs,
		InitFill:          *initFill,
		InitFillValue:     byte(*fillByte),
		AnnotateCallSites: *annotate,
	}

	const poolBase = 0x0000_7000_0000_0000
	const poolSize = 1 << 34 // 16 GiB alias pool

	s := shim.New(cfg, arena, poolBase, poolSize, nil)

	var live []uintptr
	for i := 0; i < *count; i++ {
		size := uintptr(16 << (i % 10))
		va := s.Malloc(size)
		fmt.Printf("alloc % 6d bytes -> %#x\n", size, uintptr(va))
		live = append(live, uintptr(va))
	}

	for i, va := range live {
		if i%2 == 0 {
			s.Free(mem.Va_t(va))
			live[i] = 0
		}
	}

	fmt.Println("--- directory/VMA dump ---")
	s.Dump(os.Stdout)

	for _, va := range live {
		if va != 0 {
			s.Free(mem.Va_t(va))
		}
	}
}
