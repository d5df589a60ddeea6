// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package client

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/multigres/edgeclient/go/edgedb/protocol"
	"github.com/multigres/edgeclient/go/edgedb/wire"
)

// Dump container layout:
//
//	magic    \xFF "EDGEDB\0" "DUMP\0"
//	version  u64 big-endian, currently 1
//	header   u32 length, 20-byte SHA-1 of the payload, payload
//	blocks   zero or more records with the same length+SHA-1+payload layout
//
// The header payload is the raw DumpHeader message body; each block payload
// is a raw DumpBlock message body. Checksums are verified on read.

var dumpMagic = []byte("\xffEDGEDB\x00DUMP\x00")

const dumpVersion uint64 = 1

// ErrDatabaseNotEmpty is returned by Restore when the target database
// already holds user-defined modules or objects.
var ErrDatabaseNotEmpty = errors.New("database is not empty")

// restoreJobs is the number of parallel restore workers requested from the
// server. Blocks are streamed from one reader, so one job.
const restoreJobs = 1

// emptyCheckQuery counts user-defined schema: non-builtin modules plus
// objects in the default module.
const emptyCheckQuery = `
	select count(schema::Module filter not .builtin) +
		count(schema::Object filter .name like 'default::%')`

// Dump streams a full database dump into out, holding the command lock for
// the duration. The output is the documented container format.
func (c *Conn) Dump(ctx context.Context, out io.Writer) error {
	if err := c.acquireCommandLock(ctx); err != nil {
		return err
	}
	defer c.releaseCommandLock()

	// Header and block frames are written to out in dispatch order, so the
	// dump streams without buffering the whole database.
	var writeErr error
	sawHeader := false
	unsubscribe := c.subscribe(func(msg *message) bool {
		switch msg.msgType {
		case protocol.MsgDumpHeader:
			if writeErr != nil {
				return true
			}
			if sawHeader {
				writeErr = protocolErrorf("server sent a second DumpHeader")
				return true
			}
			sawHeader = true
			writeErr = writeDumpPreamble(out, msg.body)
			return true
		case protocol.MsgDumpBlock:
			if writeErr != nil {
				return true
			}
			if !sawHeader {
				writeErr = protocolErrorf("DumpBlock before DumpHeader")
				return true
			}
			writeErr = writeDumpRecord(out, msg.body)
			return true
		}
		return false
	})
	defer unsubscribe()

	w := wire.NewWriter()
	w.WriteHeaders(nil)
	waiters, err := c.duplexAndSync(
		[]func(byte) bool{matchType(protocol.MsgCommandComplete)},
		frame{msgType: protocol.MsgDump, body: w.Bytes()},
	)
	if err != nil {
		return err
	}

	_, dumpErr := c.await(ctx, waiters[0])
	if _, err := c.await(ctx, waiters[1]); err != nil {
		return err
	}
	if dumpErr != nil {
		return dumpErr
	}
	if writeErr != nil {
		return writeErr
	}
	if !sawHeader {
		return protocolErrorf("dump completed without a DumpHeader")
	}
	return nil
}

// Restore streams a dump container from in into the connected database,
// which must be empty.
func (c *Conn) Restore(ctx context.Context, in io.Reader) error {
	header, err := readDumpPreamble(in)
	if err != nil {
		return err
	}

	count, err := c.QueryRequiredSingle(ctx, emptyCheckQuery, nil)
	if err != nil {
		return fmt.Errorf("restore precondition check: %w", err)
	}
	if n, ok := count.(int64); !ok || n != 0 {
		return ErrDatabaseNotEmpty
	}

	if err := c.acquireCommandLock(ctx); err != nil {
		return err
	}
	defer c.releaseCommandLock()

	// Phase 1: Restore with the dump header; the server answers with
	// RestoreReady once it is prepared to consume blocks.
	ready, err := c.registerWaiter(matchType(protocol.MsgRestoreReady))
	if err != nil {
		return err
	}
	w := wire.NewWriter()
	w.WriteHeaders(nil)
	w.WriteUint16(restoreJobs)
	w.WriteBytes(header)
	if err := c.sendFrames(
		frame{msgType: protocol.MsgRestore, body: w.Bytes()},
		frame{msgType: protocol.MsgSync},
	); err != nil {
		c.fault(err)
		return &ConnectionError{Err: err}
	}
	if _, err := c.await(ctx, ready); err != nil {
		return err
	}

	// Phase 2: stream the blocks.
	for {
		payload, err := readDumpRecord(in)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		bw := wire.NewWriter()
		bw.WriteBytes(payload)
		if err := c.sendFrames(frame{msgType: protocol.MsgRestoreBlock, body: bw.Bytes()}); err != nil {
			c.fault(err)
			return &ConnectionError{Err: err}
		}
		select {
		case <-ctx.Done():
			c.teardown(ctx.Err())
			return &TimeoutError{Op: "restore blocks", Err: ctx.Err()}
		default:
		}
	}

	// Phase 3: end of stream; the server applies the dump and completes.
	wComplete, err := c.registerWaiter(matchType(protocol.MsgCommandComplete))
	if err != nil {
		return err
	}
	wReady, err := c.registerWaiter(matchType(protocol.MsgReadyForCommand))
	if err != nil {
		return err
	}
	if err := c.sendFrames(
		frame{msgType: protocol.MsgRestoreEOF},
		frame{msgType: protocol.MsgSync},
	); err != nil {
		c.fault(err)
		return &ConnectionError{Err: err}
	}

	_, restoreErr := c.await(ctx, wComplete)
	if _, err := c.await(ctx, wReady); err != nil {
		return err
	}
	return restoreErr
}

// writeDumpPreamble writes the container magic, version and header record.
func writeDumpPreamble(out io.Writer, header []byte) error {
	if _, err := out.Write(dumpMagic); err != nil {
		return err
	}
	var version [8]byte
	binary.BigEndian.PutUint64(version[:], dumpVersion)
	if _, err := out.Write(version[:]); err != nil {
		return err
	}
	return writeDumpRecord(out, header)
}

// writeDumpRecord writes one length-prefixed, checksummed record.
func writeDumpRecord(out io.Writer, payload []byte) error {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(sha1.Size+len(payload)))
	if _, err := out.Write(length[:]); err != nil {
		return err
	}
	sum := sha1.Sum(payload)
	if _, err := out.Write(sum[:]); err != nil {
		return err
	}
	_, err := out.Write(payload)
	return err
}

// readDumpPreamble validates the magic and version and returns the header
// payload.
func readDumpPreamble(in io.Reader) ([]byte, error) {
	magic := make([]byte, len(dumpMagic))
	if _, err := io.ReadFull(in, magic); err != nil {
		return nil, fmt.Errorf("read dump magic: %w", err)
	}
	if !bytes.Equal(magic, dumpMagic) {
		return nil, fmt.Errorf("not a dump container (bad magic)")
	}
	var version [8]byte
	if _, err := io.ReadFull(in, version[:]); err != nil {
		return nil, fmt.Errorf("read dump version: %w", err)
	}
	if v := binary.BigEndian.Uint64(version[:]); v != dumpVersion {
		return nil, fmt.Errorf("unsupported dump version %d", v)
	}
	header, err := readDumpRecord(in)
	if err != nil {
		return nil, fmt.Errorf("read dump header: %w", err)
	}
	return header, nil
}

// readDumpRecord reads one record and verifies its checksum. It returns
// io.EOF at a clean end of stream.
func readDumpRecord(in io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(in, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read record length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < sha1.Size {
		return nil, fmt.Errorf("dump record too short (%d bytes)", length)
	}
	record := make([]byte, length)
	if _, err := io.ReadFull(in, record); err != nil {
		return nil, fmt.Errorf("read record body: %w", err)
	}
	var sum [sha1.Size]byte
	copy(sum[:], record[:sha1.Size])
	payload := record[sha1.Size:]
	if sha1.Sum(payload) != sum {
		return nil, fmt.Errorf("dump record checksum mismatch")
	}
	return payload, nil
}
