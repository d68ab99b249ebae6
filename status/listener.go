package status

import (
	"context"
	"log"
	"net"
	"syscall"

	"github.com/gofiber/fiber/v2"
)

// ListenWithIPv6Fallback binds the status server on IPv6 dual-stack first,
// falling back to IPv4-only when the host has no IPv6 stack. Some container
// platforms run an IPv6-only private network, so IPv6 must be preferred.
func ListenWithIPv6Fallback(app *fiber.App, port string) error {
	addrIPv6 := "[::]:" + port

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			if network != "tcp6" {
				return nil
			}

			var sockErr error
			if controlErr := c.Control(func(fd uintptr) {
				sockErr = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IPV6, syscall.IPV6_V6ONLY, 0)
			}); controlErr != nil {
				return controlErr
			}
			return sockErr
		},
	}

	ln6, err := lc.Listen(context.Background(), "tcp6", addrIPv6)
	if err == nil {
		log.Printf("✅ Boot status server listening on %s (dual-stack)", addrIPv6)
		return app.Listener(ln6)
	}

	addrIPv4 := "0.0.0.0:" + port
	log.Printf("IPv6 bind on %s failed (%v), falling back to %s", addrIPv6, err, addrIPv4)

	ln4, err := net.Listen("tcp4", addrIPv4)
	if err != nil {
		log.Printf("❌ Boot status server could not bind on %s: %v", addrIPv4, err)
		return err
	}

	log.Printf("✅ Boot status server listening on %s (IPv4 only)", addrIPv4)
	return app.Listener(ln4)
}
