// Package kline implements the request/response side of BMW DS2 and
// KWP2000 diagnostics over a single-wire K-line.
//
// A K-line is half duplex: everything a tester writes is reflected back on
// its own receive line before the ECU answers. An Engine frames commands,
// expects and strips that echo, reassembles the reply from a byte stream
// whose length is only known once the reply's header arrives, and checks
// the XOR checksum and acknowledge.
//
// Two styles of use are supported. ObtainValues performs one blocking
// exchange. Send followed by repeated Receive calls lets a caller poll the
// bus from a loop that has other work to do:
//
//	if _, err := eng.Send(cmd, 0); err != nil {
//		return err
//	}
//	for {
//		st, err := eng.Receive(buf)
//		if st != kline.StatusWaiting {
//			return err
//		}
//		// do other work
//	}
package kline
