package ap

import (
	"context"
	"encoding/binary"
	"errors"
	"net"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/dns/dnsmessage"
)

// DNS 配置模式下的 DNS 桩，所有 A 查询都回答本机 AP 地址
type DNS struct {
	conn *net.UDPConn
	addr [4]byte
}

// NewDNS 监听 bindAddr (通常为 :53)
func NewDNS(bindAddr string, addr [4]byte) (*DNS, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	return &DNS{
		conn: conn,
		addr: addr,
	}, nil
}

// LocalAddr 实际监听地址
func (d *DNS) LocalAddr() net.Addr {
	return d.conn.LocalAddr()
}

// Start 处理查询直到 ctx 取消
func (d *DNS) Start(ctx context.Context) error {
	log.Info().Str("addr", d.conn.LocalAddr().String()).Msg("Dummy DNS start")

	go func() {
		<-ctx.Done()
		d.conn.Close()
	}()

	buf := make([]byte, 1500)
	for {
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				log.Info().Msg("Dummy DNS stop")
				return ctx.Err()
			}
			log.Error().Err(err).Msg("读取 DNS 查询错误")
			continue
		}

		reply, ok := Answer(buf[:n], d.addr)
		if !ok {
			continue
		}
		if _, err := d.conn.WriteToUDP(reply, addr); err != nil {
			log.Debug().Err(err).Str("addr", addr.String()).Msg("DNS 回复失败")
		}
	}
}

// Answer 对简单的单问题 A/IN 查询构造回复，TTL 为 1 秒
//
// 只接受标准查询 (QR=0, OPCODE=0, AA/TC 为 0)，问题数为 1 且没有回答和授权记录。
func Answer(query []byte, addr [4]byte) ([]byte, bool) {
	if len(query) < 12 {
		return nil, false
	}
	if query[2]&0xFE != 0 {
		return nil, false
	}
	if binary.BigEndian.Uint16(query[4:]) != 1 ||
		binary.BigEndian.Uint16(query[6:]) != 0 ||
		binary.BigEndian.Uint16(query[8:]) != 0 {
		return nil, false
	}

	var p dnsmessage.Parser
	hdr, err := p.Start(query)
	if err != nil {
		return nil, false
	}
	q, err := p.Question()
	if err != nil {
		return nil, false
	}
	if q.Type != dnsmessage.TypeA || q.Class != dnsmessage.ClassINET {
		return nil, false
	}

	b := dnsmessage.NewBuilder(make([]byte, 0, 512), dnsmessage.Header{
		ID:            hdr.ID,
		Response:      true,
		Authoritative: true,
	})
	b.EnableCompression()
	if err := b.StartQuestions(); err != nil {
		return nil, false
	}
	if err := b.Question(q); err != nil {
		return nil, false
	}
	if err := b.StartAnswers(); err != nil {
		return nil, false
	}
	rh := dnsmessage.ResourceHeader{
		Name:  q.Name,
		Type:  dnsmessage.TypeA,
		Class: dnsmessage.ClassINET,
		TTL:   1,
	}
	if err := b.AResource(rh, dnsmessage.AResource{A: addr}); err != nil {
		return nil, false
	}
	reply, err := b.Finish()
	if err != nil {
		return nil, false
	}
	return reply, true
}
