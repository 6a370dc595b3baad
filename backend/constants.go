// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

// Schema Versions
const (
	SchemaVersionV1      = 1
	CurrentSchemaVersion = SchemaVersionV1
	CurrentAppVersion    = "0.1.0"
)

// LocalOwner owns the wallet used by unauthenticated requests.
const LocalOwner = "local"

// Command Types
const (
	CmdAddCard           = "ADD_CARD"
	CmdUpdateCard        = "UPDATE_CARD"
	CmdArchiveCard       = "ARCHIVE_CARD"
	CmdUnarchiveCard     = "UNARCHIVE_CARD"
	CmdDeleteCard        = "DELETE_CARD"
	CmdAddTransaction    = "ADD_TRANSACTION"
	CmdUpdateTransaction = "UPDATE_TRANSACTION"
	CmdDeleteTransaction = "DELETE_TRANSACTION"
	CmdImportCards       = "IMPORT_CARDS"
	CmdReplaceCards      = "REPLACE_CARDS"
)

// CmdRegisterNode is only ever applied by the Raft FSM.
const CmdRegisterNode = "REGISTER_NODE"

// Upload Modes
const (
	UploadModeAdd     = "add"
	UploadModeReplace = "replace"
)

// Field limits
const (
	MaxCardNameLen         = 100
	MaxCardNumberLen       = 32
	MaxCardPINLen          = 16
	MaxDescriptionLen      = 200
	MaxLocationLen         = 100
	MinTransactionAmount   = 0.01
	MaxJSONBodyBytes       = 1 << 20
	MaxUploadBodyBytes     = 10 << 20
	MaxCardsPerWallet      = 1000
	MaxTransactionsPerCard = 10000
)
