package service

// VotesCacheKey 投票汇总缓存键
func VotesCacheKey(suggestionID string) string { return "suggestion:" + suggestionID + ":votes" }

// SuggestionTag 建议相关缓存的统一标签，状态变化时整体失效
func SuggestionTag(suggestionID string) string { return "suggestion:" + suggestionID }

// approvalDedupKey 待处理的审核任务去重键
func approvalDedupKey(suggestionID string) string { return suggestionID + ":approval-check" }
