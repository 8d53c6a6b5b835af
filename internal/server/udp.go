package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/postalsys/protoflex/internal/authtable"
	"github.com/postalsys/protoflex/internal/proxyproto"
)

// ServeUDP runs one UDP request/response loop per listener on a shared
// socket, with no per-association state beyond one datagram's lifetime.
// It binds a UDP socket on every listener's address; on a listener whose
// handlers are all TCP-only, UDPParse never matches, so each datagram is
// dropped and recorded as an unsupported handshake error.
func (s *Server) ServeUDP(ctx context.Context) error {
	if len(s.listeners) == 0 {
		return fmt.Errorf("server: no listeners configured")
	}

	errCh := make(chan error, len(s.listeners))
	started := 0
	for _, bl := range s.listeners {
		bl := bl
		pc, err := net.ListenPacket("udp", bl.cfg.Address)
		if err != nil {
			return fmt.Errorf("listening udp on %s: %w", bl.cfg.Address, err)
		}
		started++
		go func() {
			<-ctx.Done()
			pc.Close()
		}()
		go func() {
			errCh <- s.udpLoop(ctx, pc, bl)
		}()
	}
	if started == 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) udpLoop(ctx context.Context, pconn net.PacketConn, bl boundListener) error {
	buf := make([]byte, 64*1024)
	for {
		n, clientAddr, err := pconn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		datagram := append([]byte(nil), buf[:n]...)
		go s.handleUDPDatagram(pconn, clientAddr, datagram, bl)
	}
}

func (s *Server) handleUDPDatagram(pconn net.PacketConn, clientAddr net.Addr, datagram []byte, bl boundListener) {
	pc := &proxyproto.ParseContext{AuthTable: authtable.New()}
	if bl.cfg.Auth != "" {
		pc.Auth = []byte(bl.cfg.Auth)
	}

	handler, target, err := bl.dispatcher.DispatchUDP(datagram, pc)
	if err != nil {
		s.logHandshakeError(bl.cfg.Address, err)
		return
	}

	remote, err := net.Dial("udp", net.JoinHostPort(target.Host, fmt.Sprint(target.Port)))
	if err != nil {
		s.logger.Warn("udp dial failed", "listener", bl.cfg.Address, "target", target.Host, "error", err)
		return
	}
	defer remote.Close()

	if _, err := remote.Write(target.Residual); err != nil {
		return
	}
	remote.SetReadDeadline(time.Now().Add(10 * time.Second))
	respBuf := make([]byte, 64*1024)
	n, err := remote.Read(respBuf)
	if err != nil {
		return
	}

	out, err := handler.UDPConnect(pc.Auth, target.Host, target.Port, respBuf[:n])
	if err != nil {
		s.logger.Warn("udp response encode failed", "listener", bl.cfg.Address, "error", err)
		return
	}
	pconn.WriteTo(out, clientAddr)

	protocol := handler.Name()
	s.stats.ConnOpened(protocol)
	s.stats.ConnClosed(protocol)
	s.stats.Relayed(protocol, int64(len(target.Residual)), int64(n))
}
