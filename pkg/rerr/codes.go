package rerr

// Code is an integer status compatible with the server's error table.
// All failure codes are negative.
type Code int

const (
	SysMallocErr            Code = -16000
	SysInternalNullInputErr Code = -24000
	SysFsLockErr            Code = -123000
	UserParamTypeErr        Code = -326000

	NoRuleFound              Code = -1017000
	NoMoreRules              Code = -1018000
	ActionArgCountMismatch   Code = -1021000
	InputArgNotWellFormed    Code = -1084000
	RetryWithoutRecovery     Code = -1088000
	CutActionProcessed       Code = -1089000
	FailActionEncountered    Code = -1091000
	NullValue                Code = -1095000
	NoRuleOrMsiFunctionFound Code = -1097000
	RuleFailed               Code = -1101000
	NoMicroserviceFound      Code = -1102000
	NoValuesFound            Code = -1106000
	BreakActionEncountered   Code = -1108000
	ParserError              Code = -1201000
	UnparsedSuffix           Code = -1202000
	RuntimeError             Code = -1205000
	DivisionByZero           Code = -1206000
	UnsupportedOpOrType      Code = -1208000
	UnableToWriteLocalVar    Code = -1210000
	UnableToReadLocalVar     Code = -1211000
	UnableToWriteSessionVar  Code = -1212000
	UnableToReadSessionVar   Code = -1213000
	UnableToWriteVar         Code = -1214000
	UnableToReadVar          Code = -1215000
	PatternNotMatched        Code = -1216000
	UnknownError             Code = -1220000
	OutOfMemory              Code = -1221000
	ShmUnlinkError           Code = -1222000
	FileStatError            Code = -1223000
	UnsupportedASTNodeType   Code = -1224000
	TypeError                Code = -1230000
	FunctionRedefinition     Code = -1231000
	DynamicTypeError         Code = -1232000
	DynamicCoercionError     Code = -1233000
	RuleEngineError          Code = -1828000
)

var names = map[Code]string{
	SysMallocErr:             "SYS_MALLOC_ERR",
	SysInternalNullInputErr:  "SYS_INTERNAL_NULL_INPUT_ERR",
	SysFsLockErr:             "SYS_FS_LOCK_ERR",
	UserParamTypeErr:         "USER_PARAM_TYPE_ERR",
	NoRuleFound:              "NO_RULE_FOUND_ERR",
	NoMoreRules:              "NO_MORE_RULES_ERR",
	ActionArgCountMismatch:   "ACTION_ARG_COUNT_MISMATCH",
	InputArgNotWellFormed:    "INPUT_ARG_NOT_WELL_FORMED_ERR",
	RetryWithoutRecovery:     "RETRY_WITHOUT_RECOVERY_ERR",
	CutActionProcessed:       "CUT_ACTION_PROCESSED_ERR",
	FailActionEncountered:    "FAIL_ACTION_ENCOUNTERED_ERR",
	NullValue:                "NULL_VALUE_ERR",
	NoRuleOrMsiFunctionFound: "NO_RULE_OR_MSI_FUNCTION_FOUND_ERR",
	RuleFailed:               "RULE_FAILED_ERR",
	NoMicroserviceFound:      "NO_MICROSERVICE_FOUND_ERR",
	NoValuesFound:            "NO_VALUES_FOUND",
	BreakActionEncountered:   "BREAK_ACTION_ENCOUNTERED_ERR",
	ParserError:              "RE_PARSER_ERROR",
	UnparsedSuffix:           "RE_UNPARSED_SUFFIX",
	RuntimeError:             "RE_RUNTIME_ERROR",
	DivisionByZero:           "RE_DIVISION_BY_ZERO",
	UnsupportedOpOrType:      "RE_UNSUPPORTED_OP_OR_TYPE",
	UnableToWriteLocalVar:    "RE_UNABLE_TO_WRITE_LOCAL_VAR",
	UnableToReadLocalVar:     "RE_UNABLE_TO_READ_LOCAL_VAR",
	UnableToWriteSessionVar:  "RE_UNABLE_TO_WRITE_SESSION_VAR",
	UnableToReadSessionVar:   "RE_UNABLE_TO_READ_SESSION_VAR",
	UnableToWriteVar:         "RE_UNABLE_TO_WRITE_VAR",
	UnableToReadVar:          "RE_UNABLE_TO_READ_VAR",
	PatternNotMatched:        "RE_PATTERN_NOT_MATCHED",
	UnknownError:             "RE_UNKNOWN_ERROR",
	OutOfMemory:              "RE_OUT_OF_MEMORY",
	ShmUnlinkError:           "RE_SHM_UNLINK_ERROR",
	FileStatError:            "RE_FILE_STAT_ERROR",
	UnsupportedASTNodeType:   "RE_UNSUPPORTED_AST_NODE_TYPE",
	TypeError:                "RE_TYPE_ERROR",
	FunctionRedefinition:     "RE_FUNCTION_REDEFINITION",
	DynamicTypeError:         "RE_DYNAMIC_TYPE_ERROR",
	DynamicCoercionError:     "RE_DYNAMIC_COERCION_ERROR",
	RuleEngineError:          "RULE_ENGINE_ERROR",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return "UNKNOWN_CODE"
}

// Sentinel reports whether the code is a control-flow marker that the dispatch
// loop consumes instead of treating it as a genuine failure.
func (c Code) Sentinel() bool {
	return c == CutActionProcessed || c == RetryWithoutRecovery
}

// Resource reports whether the code belongs to the resource class.
func (c Code) Resource() bool {
	return c == OutOfMemory || c == SysFsLockErr || c == SysMallocErr || c == ShmUnlinkError
}
