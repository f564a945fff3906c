/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package template

// defaultSchema is the compact subset of the viewer message template
// needed to drive the circuit/simulator/agent lifecycle described in
// SPEC_FULL.md. Real deployments load a much larger schema file from disk
// via Parse; this is the embedded baseline a fresh Agent starts with.
const defaultSchema = `
# handshake and movement
message UseCircuitCode Low 3 NotTrusted Unencoded
  block CircuitCode Single
    field Code U32
    field SessionID LLUUID
    field ID LLUUID
  endblock
endmessage

message RegionHandshake Low 148 Trusted Zerocoded
  block RegionInfo Single
    field SimName Variable1
    field SimOwner LLUUID
    field RegionID LLUUID
  endblock
endmessage

message RegionHandshakeReply Low 149 NotTrusted Unencoded
  block RegionInfo Single
    field Flags U32
  endblock
endmessage

message CompleteAgentMovement Low 249 NotTrusted Unencoded
  block AgentData Single
    field AgentID LLUUID
    field SessionID LLUUID
    field CircuitCode U32
  endblock
endmessage

# liveness
message StartPingCheck High 1 Trusted Unencoded
  block PingID Single
    field PingID U8
    field OldestUnacked U32
  endblock
endmessage

message CompletePingCheck High 2 NotTrusted Unencoded
  block PingID Single
    field PingID U8
  endblock
endmessage

# reliable-delivery bookkeeping
message PacketAck Fixed 1 NotTrusted Unencoded
  block Packets Variable
    field ID U32
  endblock
endmessage

message DisableSimulator Fixed 2 Trusted Unencoded
endmessage

# session teardown
message LogoutRequest Low 252 NotTrusted Unencoded
  block AgentData Single
    field AgentID LLUUID
    field SessionID LLUUID
  endblock
endmessage

message LogoutReply Low 253 Trusted Unencoded
  block AgentData Single
    field AgentID LLUUID
    field SessionID LLUUID
  endblock
endmessage

message KickUser Low 254 Trusted Unencoded
  block UserInfo Single
    field AgentID LLUUID
    field SessionID LLUUID
    field Reason Variable1
  endblock
endmessage
`
