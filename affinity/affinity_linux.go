//go:build linux
// +build linux

package affinity

/*
#define _GNU_SOURCE
#include <sched.h>
#include <pthread.h>

// pin_current_thread restricts the calling thread's affinity mask to a
// single core, for the transport runtime's poller goroutine (spec
// §4.5/§6 "cpu_affinity").
static int pin_current_thread(int cpu) {
	cpu_set_t mask;
	CPU_ZERO(&mask);
	CPU_SET(cpu, &mask);
	return pthread_setaffinity_np(pthread_self(), sizeof(mask), &mask);
}
*/
import "C"
import "fmt"

func setAffinityPlatform(cpu int) error {
	if rc := C.pin_current_thread(C.int(cpu)); rc != 0 {
		return fmt.Errorf("pthread_setaffinity_np(cpu=%d): errno %d", cpu, int(rc))
	}
	return nil
}
