package ws

import (
	"fmt"
	"strings"
)

type RWTestCase struct {
	Data   []byte
	Header Header
	Err    bool
}

type RWBenchCase struct {
	label  string
	header Header
}

var RWBenchCases = []RWBenchCase{
	{
		"text",
		Header{
			OpCode: OpText,
			Fin:    true,
		},
	},
	{
		"masked",
		Header{
			OpCode: OpBinary,
			Fin:    true,
			Masked: true,
			Mask:   NewMask(),
		},
	},
	{
		"masked-u16",
		Header{
			OpCode: OpBinary,
			Fin:    true,
			Length: len16,
			Masked: true,
			Mask:   NewMask(),
		},
	},
	{
		"masked-u48",
		Header{
			OpCode: OpBinary,
			Fin:    true,
			Length: len64,
			Masked: true,
			Mask:   NewMask(),
		},
	},
}

var RWTestCases = []RWTestCase{
	{
		Data: bits("1 000 0001 0 0000101"),
		//          _ ___ ____ _ _______
		//          |  |   |   |    |
		//         Fin |   |  Mask Length
		//            Rsv  |
		//             TextFrame
		Header: Header{
			Fin:    true,
			OpCode: OpText,
			Length: 5,
		},
	},
	{
		Data: bits("1 000 1001 1 1111101 00110111 11111010 00100001 00111101"),
		//          _ ___ ____ _ _______ ___________________________________
		//          |  |   |   |    |                     |
		//         Fin |   |  Mask Length             Mask value
		//            Rsv  |
		//             PingFrame
		Header: Header{
			Fin:    true,
			OpCode: OpPing,
			Length: 125,
			Masked: true,
			Mask:   [4]byte{0x37, 0xfa, 0x21, 0x3d},
		},
	},
	{
		Data: bits("0 100 0010 0 1111110 00000000 10010110"),
		//          _ ___ ____ _ _______ _________________
		//          |  |   |   |    |            |
		//         Fin |   |  Mask Length   Length value
		//            Rsv  |
		//             BinaryFrame
		Header: Header{
			Fin:    false,
			Rsv:    Rsv(true, false, false),
			OpCode: OpBinary,
			Length: 150,
		},
	},
	{
		Data: bits("1 000 0000 0 1111110 11111111 11111111"),
		Header: Header{
			Fin:    true,
			OpCode: OpContinuation,
			Length: 0xffff,
		},
	},
	{
		Data: bits("1 000 0010 0 1111111 00000000 00000000 00000000 00000000 00000000 00000001 00000000 00000000"),
		//          _ ___ ____ _ _______ _______________________________________________________________________
		//          |  |   |   |    |                                       |
		//         Fin |   |  Mask Length                              Length value
		//            Rsv  |
		//             BinaryFrame
		Header: Header{
			Fin:    true,
			OpCode: OpBinary,
			Length: 0x10000,
		},
	},
	{
		Data: bits("1 000 0010 1 1111111 00000000 00000000 11111111 11111111 11111111 11111111 11111111 11111111 00000001 00000010 00000011 00000100"),
		Header: Header{
			Fin:    true,
			OpCode: OpBinary,
			Length: MaxPayloadSize,
			Masked: true,
			Mask:   [4]byte{1, 2, 3, 4},
		},
	},
}

func bits(s string) []byte {
	s = strings.ReplaceAll(s, " ", "")
	bts := make([]byte, len(s)/8)

	for i, j := 0, 0; i < len(s); i, j = i+8, j+1 {
		fmt.Sscanf(s[i:], "%08b", &bts[j])
	}

	return bts
}
