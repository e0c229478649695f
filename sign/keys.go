package sign

import (
	"bytes"
	"encoding/binary"
	"errors"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
)

var suite = bn256.NewSuite()

// MarshalPriShare serializes a threshold key share for key files.
func MarshalPriShare(s *share.PriShare) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, uint32(s.I)); err != nil {
		return nil, err
	}
	v, err := s.V.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf.Write(v)
	return buf.Bytes(), nil
}

// UnmarshalPriShare restores a threshold key share serialized by
// MarshalPriShare.
func UnmarshalPriShare(data []byte) (*share.PriShare, error) {
	if len(data) < 4 {
		return nil, errors.New("sign: threshold share too short")
	}
	index := binary.BigEndian.Uint32(data[:4])
	v := suite.G2().Scalar()
	if err := v.UnmarshalBinary(data[4:]); err != nil {
		return nil, err
	}
	return &share.PriShare{I: int(index), V: v}, nil
}

// MarshalPubPoly serializes the public commitment polynomial.
func MarshalPubPoly(p *share.PubPoly) ([]byte, error) {
	_, commits := p.Info()
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, uint32(len(commits))); err != nil {
		return nil, err
	}
	for _, c := range commits {
		b, err := c.MarshalBinary()
		if err != nil {
			return nil, err
		}
		if err := binary.Write(buf, binary.BigEndian, uint32(len(b))); err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

// UnmarshalPubPoly restores the polynomial serialized by MarshalPubPoly.
func UnmarshalPubPoly(data []byte) (*share.PubPoly, error) {
	if len(data) < 4 {
		return nil, errors.New("sign: public polynomial too short")
	}
	count := binary.BigEndian.Uint32(data[:4])
	rest := data[4:]
	commits := make([]kyber.Point, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(rest) < 4 {
			return nil, errors.New("sign: truncated public polynomial")
		}
		size := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint32(len(rest)) < size {
			return nil, errors.New("sign: truncated commitment point")
		}
		point := suite.G2().Point()
		if err := point.UnmarshalBinary(rest[:size]); err != nil {
			return nil, err
		}
		commits = append(commits, point)
		rest = rest[size:]
	}
	return share.NewPubPoly(suite.G2(), suite.G2().Point().Base(), commits), nil
}
